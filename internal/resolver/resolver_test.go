package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// registry serves voter lookups and photos; statuses overrides the response
// code for a request path.
type registry struct {
	photos   map[string]string
	images   map[string][]byte
	statuses map[string]int
	delay    time.Duration
}

func (reg *registry) status(path string) int {
	if code, ok := reg.statuses[path]; ok {
		return code
	}
	return http.StatusOK
}

func (reg *registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if reg.delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(reg.delay):
		}
	}
	const prefix = "/api/voters/id/"
	if len(r.URL.Path) > len(prefix) && r.URL.Path[:len(prefix)] == prefix {
		photo, ok := reg.photos[r.URL.Path[len(prefix):]]
		if !ok {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reg.status(r.URL.Path))
		if photo == "" {
			_, _ = w.Write([]byte(`{"name":"no photo"}`))
			return
		}
		_, _ = w.Write([]byte(`{"photoUrl":"` + photo + `"}`))
		return
	}
	data, ok := reg.images[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(reg.status(r.URL.Path))
	_, _ = w.Write(data)
}

func newResolver(t *testing.T, reg *registry, timeout time.Duration) (*Resolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	r, err := New(NewHTTPDirectory(srv.URL, timeout), srv.URL, timeout, zap.NewNop())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r, srv
}

func TestResolveJoinsRelativePhotoURL(t *testing.T) {
	reg := &registry{
		photos: map[string]string{"V1": "/uploads/v1.jpg"},
		images: map[string][]byte{"/uploads/v1.jpg": []byte("jpeg-bytes")},
	}
	r, _ := newResolver(t, reg, time.Second)

	data, err := r.Resolve(context.Background(), "V1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestResolveUsesAbsolutePhotoURLAsIs(t *testing.T) {
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bucket/v2.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer storage.Close()

	reg := &registry{photos: map[string]string{"V2": storage.URL + "/bucket/v2.jpg"}}
	r, _ := newResolver(t, reg, time.Second)

	data, err := r.Resolve(context.Background(), "V2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(data) != "remote-bytes" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestResolveFailures(t *testing.T) {
	reg := &registry{
		photos: map[string]string{
			"missing-image": "/uploads/gone.jpg",
			"no-photo":      "",
			"empty-image":   "/uploads/empty.jpg",
			"bad-scheme":    "ftp://example.com/x.jpg",
			"ambiguous":     "/uploads/ambiguous.jpg",
			"choices":       "/uploads/choices.jpg",
		},
		images: map[string][]byte{
			"/uploads/empty.jpg":     {},
			"/uploads/ambiguous.jpg": []byte("image-bytes"),
			"/uploads/choices.jpg":   []byte("image-bytes"),
		},
		statuses: map[string]int{
			"/api/voters/id/ambiguous": http.StatusMultipleChoices,
			"/uploads/choices.jpg":     http.StatusMultipleChoices,
		},
	}
	r, _ := newResolver(t, reg, time.Second)

	cases := map[string]string{
		"unknown":       StageLookup,
		"no-photo":      StageLookup,
		"missing-image": StageFetch,
		"empty-image":   StageFetch,
		"bad-scheme":    StageFetch,
		"ambiguous":     StageLookup,
		"choices":       StageFetch,
	}
	for voterID, stage := range cases {
		t.Run(voterID, func(t *testing.T) {
			data, err := r.Resolve(context.Background(), voterID)
			if data != nil {
				t.Fatalf("expected no data, got %q", data)
			}
			var resolveErr *Error
			if !errors.As(err, &resolveErr) {
				t.Fatalf("expected *Error, got %T %v", err, err)
			}
			if resolveErr.Stage != stage || resolveErr.VoterID != voterID {
				t.Fatalf("unexpected error detail: %+v", resolveErr)
			}
		})
	}
}

func TestResolveTimesOut(t *testing.T) {
	reg := &registry{
		photos: map[string]string{"slow": "/uploads/slow.jpg"},
		images: map[string][]byte{"/uploads/slow.jpg": []byte("x")},
		delay:  time.Second,
	}
	r, _ := newResolver(t, reg, 50*time.Millisecond)

	start := time.Now()
	_, err := r.Resolve(context.Background(), "slow")
	var resolveErr *Error
	if !errors.As(err, &resolveErr) || resolveErr.Stage != StageLookup {
		t.Fatalf("expected lookup timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout not honoured, took %s", elapsed)
	}
}

type stubDirectory struct {
	url string
	err error
}

func (s stubDirectory) PhotoURL(context.Context, string) (string, error) { return s.url, s.err }

func TestResolveWrapsDirectoryErrors(t *testing.T) {
	r, err := New(stubDirectory{err: errors.New("db down")}, "http://registry.local", time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = r.Resolve(context.Background(), "V9")
	var resolveErr *Error
	if !errors.As(err, &resolveErr) || resolveErr.Err.Error() != "db down" {
		t.Fatalf("expected wrapped directory error, got %v", err)
	}
}
