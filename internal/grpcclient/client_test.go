package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-verify/internal/matcher"
)

// startMatcher serves VerifyMethod with handle and returns a dialer for it.
func startMatcher(t *testing.T, handle func(in *structpb.Struct) (*structpb.Struct, error)) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != VerifyMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := handle(in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestVerifyOverGRPC(t *testing.T) {
	var seen map[string]any
	dialer := startMatcher(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		seen = in.AsMap()
		return structpb.NewStruct(map[string]any{
			"verified":         false,
			"distance":         0.74,
			"threshold":        0.68,
			"model":            "VGG-Face",
			"detector_backend": "opencv",
		})
	})

	client, conn, err := DialFaceMatcher(context.Background(), "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	res, err := client.Verify(context.Background(), matcher.Request{
		Img1Path: "/staging/r_reference.jpg",
		Img2Path: "/staging/r_uploaded.jpg",
		Policy:   matcher.DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified || res.Distance != 0.74 || res.Threshold != 0.68 || res.Model != "VGG-Face" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if seen["img1_path"] != "/staging/r_reference.jpg" || seen["anti_spoofing"] != true {
		t.Fatalf("unexpected request fields: %v", seen)
	}
}

func TestVerifyOverGRPCReturnsFailureText(t *testing.T) {
	dialer := startMatcher(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.InvalidArgument, "Face could not be detected in img1_path")
	})

	client, conn, err := DialFaceMatcher(context.Background(), "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = client.Verify(context.Background(), matcher.Request{Img1Path: "a", Img2Path: "b"})
	var failure *matcher.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected matcher failure, got %T %v", err, err)
	}
	if failure.Text != "Face could not be detected in img1_path" {
		t.Fatalf("unexpected failure text %q", failure.Text)
	}
}

func TestVerifyOverGRPCRejectsMalformedResponse(t *testing.T) {
	dialer := startMatcher(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"distance": 0.1})
	})

	client, conn, err := DialFaceMatcher(context.Background(), "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := client.Verify(context.Background(), matcher.Request{}); err == nil {
		t.Fatal("expected error for response without verified field")
	}
}
