package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imagepayload"
	"github.com/example/face-verify/internal/logging"
)

var safeToken = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Area is a directory where per-request image files are staged.
type Area struct {
	dir    string
	logger *zap.Logger
}

// Resource is one staged file owned by a single request.
type Resource struct {
	Path      string
	CreatedAt time.Time

	requestID string
	logger    *zap.Logger
	once      sync.Once
}

// NewArea creates the staging directory if needed.
func NewArea(dir string, logger *zap.Logger) (*Area, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, logging.NewOperationError("staging.new_area", "", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, logging.NewOperationError("staging.new_area", "", err)
	}
	return &Area{dir: abs, logger: logger.Named("staging")}, nil
}

// Dir returns the absolute staging directory.
func (a *Area) Dir() string { return a.dir }

// Stage writes the payload to <requestID>_<role><ext>. The file is created
// exclusively: an existing file with the same name is an error, never reused.
func (a *Area) Stage(requestID, role string, p *imagepayload.Payload) (*Resource, error) {
	if !safeToken.MatchString(requestID) || !safeToken.MatchString(role) {
		return nil, logging.NewOperationError("staging.stage", requestID, fmt.Errorf("unsafe staging name %q/%q", requestID, role))
	}
	path := filepath.Join(a.dir, fmt.Sprintf("%s_%s%s", requestID, role, p.Extension))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, logging.NewOperationError("staging.stage", requestID, err)
	}
	res := &Resource{Path: path, CreatedAt: time.Now().UTC(), requestID: requestID, logger: a.logger}

	if _, err := f.Write(p.Data); err != nil {
		f.Close()
		res.Release()
		return nil, logging.NewOperationError("staging.write", requestID, err)
	}
	if err := f.Close(); err != nil {
		res.Release()
		return nil, logging.NewOperationError("staging.write", requestID, err)
	}

	a.logger.Debug("staged image", zap.String("request_id", requestID), zap.String("path", path), zap.Int("bytes", len(p.Data)))
	return res, nil
}

// Release deletes the staged file. Failures are logged and swallowed; calling
// Release more than once is a no-op.
func (r *Resource) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		err := os.Remove(r.Path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}
		r.logger.Warn("failed to remove staged file",
			zap.String("request_id", r.requestID),
			zap.String("path", r.Path),
			zap.Error(err),
		)
	})
}

// Sweep removes regular files older than olderThan and returns how many were
// deleted. A zero olderThan removes everything in the area.
func (a *Area) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, logging.NewOperationError("staging.sweep", "", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if olderThan > 0 && info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(a.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("failed to sweep staged file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("swept staging area", zap.String("dir", a.dir), zap.Int("removed", removed))
	}
	return removed, nil
}
