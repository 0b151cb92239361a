package matcher

import (
	"context"
	"path/filepath"
)

// Policy is the model configuration sent with every comparison.
type Policy struct {
	ModelName       string
	DistanceMetric  string
	DetectorBackend string
	AntiSpoofing    bool
}

// DefaultPolicy mirrors the reference deployment.
func DefaultPolicy() Policy {
	return Policy{
		ModelName:       "VGG-Face",
		DistanceMetric:  "cosine",
		DetectorBackend: "opencv",
		AntiSpoofing:    true,
	}
}

// Request asks the matcher to compare two staged images.
type Request struct {
	RequestID string
	Img1Path  string
	Img2Path  string
	Policy    Policy
}

// Result is the structured outcome of a comparison.
type Result struct {
	Verified        bool
	Distance        float64
	Threshold       float64
	Model           string
	DetectorBackend string
}

// Client exposes the subset of functionality used by the verification flow.
type Client interface {
	Verify(ctx context.Context, req Request) (*Result, error)
}

// Failure carries the matcher's own error text. The text is unstructured and
// must be classified by the caller.
type Failure struct {
	Text string
}

func (f *Failure) Error() string { return f.Text }

// MapPath rewrites a staged path for a matcher that mounts the staging
// directory elsewhere. An empty dir leaves the path unchanged.
func MapPath(path, dir string) string {
	if dir == "" {
		return path
	}
	return filepath.Join(dir, filepath.Base(path))
}
