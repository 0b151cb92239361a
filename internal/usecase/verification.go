package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-verify/internal/antispoof"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/imagepayload"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/staging"
)

// Source modes of the second image.
const (
	ModeDirect    = "direct"
	ModeReference = "reference"
)

// Stager writes request-scoped files for the matcher.
type Stager interface {
	Stage(requestID, role string, p *imagepayload.Payload) (*staging.Resource, error)
}

// SpoofAnalyzer scores a single image.
type SpoofAnalyzer interface {
	Assess(data []byte) (*antispoof.Assessment, error)
}

// ReferenceResolver fetches a voter's registered photo.
type ReferenceResolver interface {
	Resolve(ctx context.Context, voterID string) ([]byte, error)
}

// VerificationRepository records the outcome of each request.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
}

// ImageInput is one client-supplied image, either raw bytes or base64 text.
type ImageInput struct {
	Bytes  []byte
	Base64 string
}

// IsZero reports whether no image was supplied.
func (in ImageInput) IsZero() bool { return len(in.Bytes) == 0 && in.Base64 == "" }

// Input is one verification request. Exactly one of Reference and VoterID
// must be set.
type Input struct {
	Primary   ImageInput
	Reference ImageInput
	VoterID   string
}

// Options configure the workflow.
type Options struct {
	SpoofingMode      string
	Policy            matcher.Policy
	MatcherStagingDir string
	AuditTimeout      time.Duration
}

// MatchResult is the matcher's answer plus the derived similarity.
type MatchResult struct {
	Verified        bool
	Distance        float64
	Threshold       float64
	Model           string
	DetectorBackend string
	SimilarityScore float64
}

// Outcome is a successful verification.
type Outcome struct {
	RequestID    string
	Mode         string
	VoterID      string
	Match        MatchResult
	AntiSpoofing map[string]*antispoof.Assessment
}

// Message is the user-facing summary of the match.
func (o *Outcome) Message() string {
	switch {
	case o.Match.Verified:
		return "Face verification successful. Identity confirmed."
	case o.Mode == ModeReference:
		return "Face verification failed. This does not match the registered voter."
	default:
		return "Face verification failed. The faces do not match."
	}
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	stager     Stager
	analyzer   SpoofAnalyzer
	matcher    matcher.Client
	references ReferenceResolver
	repo       VerificationRepository
	opts       Options
	logger     *zap.Logger
}

// NewVerificationUseCase constructs a new use case instance. analyzer is only
// used in precheck mode; references and repo may be nil.
func NewVerificationUseCase(
	stager Stager,
	analyzer SpoofAnalyzer,
	client matcher.Client,
	references ReferenceResolver,
	repo VerificationRepository,
	opts Options,
	logger *zap.Logger,
) *VerificationUseCase {
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 2 * time.Second
	}
	return &VerificationUseCase{
		stager:     stager,
		analyzer:   analyzer,
		matcher:    client,
		references: references,
		repo:       repo,
		opts:       opts,
		logger:     logger.Named("verification_usecase"),
	}
}

// staged is one image of a request.
type staged struct {
	name     string
	payload  *imagepayload.Payload
	resource *staging.Resource
	remote   bool
}

// Verify runs one request. Every file staged for the request is removed
// before Verify returns, whatever the outcome.
func (uc *VerificationUseCase) Verify(ctx context.Context, in Input) (*Outcome, *ClassifiedError) {
	requestID := uuid.NewString()
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)

	mode := ModeDirect
	if in.VoterID != "" {
		mode = ModeReference
	}

	outcome, classified := uc.run(ctx, requestID, mode, in, opLogger)
	if classified != nil {
		classified.RequestID = requestID
		opLogger.Warn("verification short-circuited",
			zap.String("kind", string(classified.Kind)),
			zap.String("detail", classified.Details),
			zap.Strings("images", classified.Images),
			zap.NamedError("cause", classified.cause),
			zap.String("failed_operation", logging.OperationOf(classified.cause)),
		)
	} else {
		opLogger.Info("verification completed",
			zap.Bool("verified", outcome.Match.Verified),
			zap.Float64("distance", outcome.Match.Distance),
			zap.String("mode", mode),
		)
	}

	uc.audit(ctx, requestID, mode, in.VoterID, outcome, classified, time.Since(start))
	return outcome, classified
}

func (uc *VerificationUseCase) run(ctx context.Context, requestID, mode string, in Input, opLogger *zap.Logger) (*Outcome, *ClassifiedError) {
	if in.Primary.IsZero() {
		return nil, newClassifiedError(KindInvalidImageData, "uploaded image is required", nil, ImageUploaded)
	}
	if in.VoterID != "" && !in.Reference.IsZero() {
		return nil, newClassifiedError(KindInvalidImageData, "provide either a reference image or a voter id, not both", nil)
	}
	if in.VoterID == "" && in.Reference.IsZero() {
		return nil, newClassifiedError(KindInvalidImageData, "a reference image or a voter id is required", nil, ImageReference)
	}

	primary, classified := decodeInput(in.Primary, ImageUploaded)
	if classified != nil {
		return nil, classified
	}
	var reference *imagepayload.Payload
	if mode == ModeDirect {
		if reference, classified = decodeInput(in.Reference, ImageReference); classified != nil {
			return nil, classified
		}
	}

	uploaded := &staged{name: ImageUploaded, payload: primary}
	if classified := uc.stage(requestID, "uploaded", uploaded); classified != nil {
		return nil, classified
	}
	defer uploaded.resource.Release()

	ref := &staged{name: ImageReference, payload: reference}
	if mode == ModeReference {
		payload, classified := uc.resolve(ctx, in.VoterID)
		if classified != nil {
			return nil, classified
		}
		ref.payload = payload
		ref.remote = true
	}
	if classified := uc.stage(requestID, "reference", ref); classified != nil {
		return nil, classified
	}
	defer ref.resource.Release()

	var assessments map[string]*antispoof.Assessment
	if uc.opts.SpoofingMode == config.SpoofingPrecheck {
		if assessments, classified = uc.precheck(uploaded, ref); classified != nil {
			return nil, classified
		}
	}

	policy := uc.opts.Policy
	policy.AntiSpoofing = uc.opts.SpoofingMode == config.SpoofingDelegate
	opLogger.Debug("invoking face matcher", zap.String("model", policy.ModelName))

	result, err := uc.matcher.Verify(ctx, matcher.Request{
		RequestID: requestID,
		Img1Path:  matcher.MapPath(ref.resource.Path, uc.opts.MatcherStagingDir),
		Img2Path:  matcher.MapPath(uploaded.resource.Path, uc.opts.MatcherStagingDir),
		Policy:    policy,
	})
	if err != nil {
		text := err.Error()
		var failure *matcher.Failure
		if errors.As(err, &failure) {
			text = failure.Text
		}
		return nil, classifyMatcherFailure(text, err)
	}

	return &Outcome{
		RequestID: requestID,
		Mode:      mode,
		VoterID:   in.VoterID,
		Match: MatchResult{
			Verified:        result.Verified,
			Distance:        result.Distance,
			Threshold:       result.Threshold,
			Model:           result.Model,
			DetectorBackend: result.DetectorBackend,
			SimilarityScore: (1 - result.Distance) * 100,
		},
		AntiSpoofing: assessments,
	}, nil
}

func decodeInput(in ImageInput, name string) (*imagepayload.Payload, *ClassifiedError) {
	var (
		p   *imagepayload.Payload
		err error
	)
	if len(in.Bytes) > 0 {
		p, err = imagepayload.FromBytes(in.Bytes, imagepayload.SourceUpload)
	} else {
		p, err = imagepayload.FromBase64(in.Base64)
	}
	if err != nil {
		return nil, newClassifiedError(KindInvalidImageData, fmt.Sprintf("%s: %v", name, err), err, name)
	}
	return p, nil
}

func (uc *VerificationUseCase) stage(requestID, role string, s *staged) *ClassifiedError {
	res, err := uc.stager.Stage(requestID, role, s.payload)
	if err != nil {
		return newClassifiedError(KindInternalError, "failed to stage image", err)
	}
	s.resource = res
	return nil
}

func (uc *VerificationUseCase) resolve(ctx context.Context, voterID string) (*imagepayload.Payload, *ClassifiedError) {
	details := fmt.Sprintf("Could not retrieve reference image for voter ID: %s", voterID)
	if uc.references == nil {
		return nil, newClassifiedError(KindReferenceUnavailable, details, errors.New("no voter directory configured"), ImageReference)
	}
	data, err := uc.references.Resolve(ctx, voterID)
	if err != nil {
		return nil, newClassifiedError(KindReferenceUnavailable, details, err, ImageReference)
	}
	p, err := imagepayload.FromBytes(data, imagepayload.SourceRemote)
	if err != nil {
		return nil, newClassifiedError(KindReferenceUnavailable, details, err, ImageReference)
	}
	return p, nil
}

// assessError ties an analyzer failure to the image it came from.
type assessError struct {
	image *staged
	err   error
}

func (e *assessError) Error() string { return fmt.Sprintf("%s: %v", e.image.name, e.err) }

func (e *assessError) Unwrap() error { return e.err }

// precheck assesses both images concurrently and rejects the request if
// either looks like a screen or print capture.
func (uc *VerificationUseCase) precheck(images ...*staged) (map[string]*antispoof.Assessment, *ClassifiedError) {
	if uc.analyzer == nil {
		return nil, newClassifiedError(KindInternalError, "anti-spoofing pre-check is not configured", nil)
	}

	results := make([]*antispoof.Assessment, len(images))
	var g errgroup.Group
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			assessment, err := uc.analyzer.Assess(img.payload.Data)
			if err != nil {
				return &assessError{image: img, err: err}
			}
			results[i] = assessment
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var failed *assessError
		var decodeErr *antispoof.DecodeError
		if !errors.As(err, &failed) || !errors.As(err, &decodeErr) {
			return nil, newClassifiedError(KindInternalError, "anti-spoofing pre-check failed", err)
		}
		if failed.image.remote {
			return nil, newClassifiedError(KindReferenceUnavailable, "reference image could not be decoded", err, failed.image.name)
		}
		return nil, newClassifiedError(KindInvalidImageData, err.Error(), err, failed.image.name)
	}

	assessments := make(map[string]*antispoof.Assessment, len(images))
	var rejected []string
	details := "anti-spoofing pre-check rejected:"
	for i, img := range images {
		assessments[img.name] = results[i]
		if !results[i].IsReal {
			rejected = append(rejected, img.name)
			details += fmt.Sprintf(" %s (realness %.3f)", img.name, results[i].RealnessScore)
		}
	}
	if len(rejected) > 0 {
		return nil, newClassifiedError(KindSpoofingDetected, details, nil, rejected...)
	}
	return assessments, nil
}

func (uc *VerificationUseCase) audit(ctx context.Context, requestID, mode, voterID string, outcome *Outcome, classified *ClassifiedError, elapsed time.Duration) {
	if uc.repo == nil {
		return
	}
	entry := &repository.VerificationLog{
		RequestID:  requestID,
		VoterID:    voterID,
		Mode:       mode,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if classified != nil {
		entry.Outcome = string(classified.Kind)
	} else {
		entry.Verified = outcome.Match.Verified
		entry.Distance = outcome.Match.Distance
		entry.Outcome = "not_verified"
		if entry.Verified {
			entry.Outcome = "verified"
		}
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.AuditTimeout)
	defer cancel()
	if err := uc.repo.SaveLog(auditCtx, entry); err != nil {
		logging.WithOperation(uc.logger, "usecase.audit", requestID).Warn("failed to record verification", zap.Error(err))
	}
}
