// Package resolver fetches a voter's registered reference photo.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

// Stages of a resolution, reported in Error.
const (
	StageLookup = "lookup"
	StageFetch  = "fetch"
)

// ErrNoPhoto means the voter exists but has no photo location.
var ErrNoPhoto = errors.New("voter has no photo url")

// Directory maps a voter identifier to the location of their photo.
type Directory interface {
	PhotoURL(ctx context.Context, voterID string) (string, error)
}

// Error is the single failure kind of Resolve. The wrapped cause is meant for
// logs, not for callers to branch on.
type Error struct {
	VoterID string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve reference for voter %s (%s): %v", e.VoterID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver performs the directory lookup and the image download, each bounded
// by its own timeout. Nothing is retried or cached.
type Resolver struct {
	directory Directory
	base      *url.URL
	client    *resty.Client
	timeout   time.Duration
	logger    *zap.Logger
}

// New returns a resolver. Relative photo locations are joined with baseURL.
func New(directory Directory, baseURL string, timeout time.Duration, logger *zap.Logger) (*Resolver, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse voter api base url: %w", err)
	}
	return &Resolver{
		directory: directory,
		base:      base,
		client:    resty.New(),
		timeout:   timeout,
		logger:    logger.Named("resolver"),
	}, nil
}

// Resolve returns the raw bytes of the voter's reference photo.
func (r *Resolver) Resolve(ctx context.Context, voterID string) ([]byte, error) {
	photoURL, err := r.lookup(ctx, voterID)
	if err != nil {
		return nil, r.fail(voterID, StageLookup, err)
	}

	target, err := r.absolute(photoURL)
	if err != nil {
		return nil, r.fail(voterID, StageFetch, err)
	}

	data, err := r.fetch(ctx, target)
	if err != nil {
		return nil, r.fail(voterID, StageFetch, err)
	}
	r.logger.Debug("resolved reference image", zap.String("voter_id", voterID), zap.Int("bytes", len(data)))
	return data, nil
}

func (r *Resolver) lookup(ctx context.Context, voterID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	photoURL, err := r.directory.PhotoURL(ctx, voterID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(photoURL) == "" {
		return "", ErrNoPhoto
	}
	return photoURL, nil
}

func (r *Resolver) absolute(photoURL string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(photoURL))
	if err != nil {
		return "", fmt.Errorf("parse photo url: %w", err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("unsupported photo url scheme %q", ref.Scheme)
		}
		return ref.String(), nil
	}
	return r.base.ResolveReference(ref).String(), nil
}

func (r *Resolver) fetch(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("photo download returned status %d", resp.StatusCode())
	}
	if len(resp.Body()) == 0 {
		return nil, errors.New("photo download returned an empty body")
	}
	return resp.Body(), nil
}

func (r *Resolver) fail(voterID, stage string, err error) error {
	wrapped := &Error{VoterID: voterID, Stage: stage, Err: err}
	r.logger.Warn("reference image unavailable",
		zap.String("voter_id", voterID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return logging.NewOperationError("resolver."+stage, "", wrapped)
}
