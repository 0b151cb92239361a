package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
)

// VerifyMethod is the full gRPC method name of the face matcher.
const VerifyMethod = "/facematch.FaceMatcher/Verify"

// DialFaceMatcher returns a ready-to-use gRPC client for the face matcher.
// Requests and responses are google.protobuf.Struct messages carrying the
// same fields as the REST transport.
func DialFaceMatcher(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (matcher.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_matcher", "", err)
		logger.Error("failed to dial face matcher", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcFaceMatcher{conn: conn, logger: logger.Named("matcher")}, conn, nil
}

type grpcFaceMatcher struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcFaceMatcher) Verify(ctx context.Context, req matcher.Request) (*matcher.Result, error) {
	in, err := structpb.NewStruct(map[string]any{
		"img1_path":        req.Img1Path,
		"img2_path":        req.Img2Path,
		"model_name":       req.Policy.ModelName,
		"distance_metric":  req.Policy.DistanceMetric,
		"detector_backend": req.Policy.DetectorBackend,
		"anti_spoofing":    req.Policy.AntiSpoofing,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.verify", req.RequestID, err)
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, VerifyMethod, in, out); err != nil {
		st, _ := status.FromError(err)
		g.logger.Warn("face matcher call failed",
			zap.String("request_id", req.RequestID),
			zap.String("code", st.Code().String()),
			zap.String("detail", st.Message()),
		)
		return nil, &matcher.Failure{Text: st.Message()}
	}

	fields := out.GetFields()
	verified, ok := fields["verified"]
	if !ok {
		return nil, logging.NewOperationError("grpcclient.verify", req.RequestID, fmt.Errorf("response has no verified field"))
	}
	return &matcher.Result{
		Verified:        verified.GetBoolValue(),
		Distance:        fields["distance"].GetNumberValue(),
		Threshold:       fields["threshold"].GetNumberValue(),
		Model:           fields["model"].GetStringValue(),
		DetectorBackend: fields["detector_backend"].GetStringValue(),
	}, nil
}
