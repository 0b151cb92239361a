package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth/limiter"
	"github.com/didip/tollbooth_gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/admission"
	"github.com/example/face-verify/internal/metrics"
	"github.com/example/face-verify/internal/usecase"
)

// DefaultMaxUploadSize caps the request body when Options leaves it unset.
const DefaultMaxUploadSize = 10 << 20

// Verifier is the workflow behind the verify endpoints.
type Verifier interface {
	Verify(ctx context.Context, in usecase.Input) (*usecase.Outcome, *usecase.ClassifiedError)
}

// Options configure the HTTP surface.
type Options struct {
	MaxUploadBytes     int64
	CORSOrigins        []string
	RateLimitPerSecond float64
	Limiter            admission.Limiter
	Metrics            *metrics.Recorder
}

// NewRouter builds the gin engine with the full middleware chain.
func NewRouter(uc Verifier, opts Options, logger *zap.Logger) *gin.Engine {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadSize
	}

	router := gin.New()
	router.MaxMultipartMemory = opts.MaxUploadBytes
	router.Use(requestLogger(logger), gin.CustomRecovery(recoveryHandler(logger)))
	router.Use(cors.New(corsConfig(opts.CORSOrigins)))

	RegisterRoutes(router, uc, opts, logger)
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Verifier, opts Options, logger *zap.Logger) {
	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", health)
	router.GET("/healthcheck", health)

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	api := router.Group("/api")
	if opts.RateLimitPerSecond > 0 {
		api.Use(rateLimitPerIP(opts.RateLimitPerSecond))
	}
	if opts.Limiter != nil {
		api.Use(admission.Middleware(opts.Limiter, logger))
	}

	h := &verifyHandler{uc: uc, opts: opts, logger: logger.Named("handlers")}
	api.POST("/verify", h.verify)
	api.POST("/verify-base64", h.verify)
}

type verifyHandler struct {
	uc     Verifier
	opts   Options
	logger *zap.Logger
}

type jsonRequest struct {
	UploadedImage  string `json:"uploaded_image"`
	ReferenceImage string `json:"reference_image"`
	VoterID        string `json:"voter_id"`
}

func (h *verifyHandler) verify(c *gin.Context) {
	start := time.Now()

	if c.Request.ContentLength > h.opts.MaxUploadBytes {
		tooLarge(c, h.opts.MaxUploadBytes)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	in, err := h.bindInput(c)
	if err != nil {
		if isTooLarge(err) {
			tooLarge(c, h.opts.MaxUploadBytes)
			return
		}
		malformed(c, err)
		return
	}

	mode := usecase.ModeDirect
	if in.VoterID != "" {
		mode = usecase.ModeReference
	}

	outcome, classified := h.uc.Verify(c.Request.Context(), in)
	if classified != nil {
		h.observe(mode, string(classified.Kind), start)
		writeError(c, classified)
		return
	}

	result := "not_verified"
	if outcome.Match.Verified {
		result = "verified"
	}
	h.observe(mode, result, start)
	c.JSON(http.StatusOK, successBody(outcome))
}

func (h *verifyHandler) observe(mode, outcome string, start time.Time) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.Observe(mode, outcome, time.Since(start))
	}
}

// bindInput accepts multipart forms (file parts or base64 text fields),
// urlencoded forms and JSON bodies.
func (h *verifyHandler) bindInput(c *gin.Context) (usecase.Input, error) {
	contentType := c.ContentType()
	if contentType == gin.MIMEJSON {
		var req jsonRequest
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			return usecase.Input{}, err
		}
		return usecase.Input{
			Primary:   usecase.ImageInput{Base64: req.UploadedImage},
			Reference: usecase.ImageInput{Base64: req.ReferenceImage},
			VoterID:   strings.TrimSpace(req.VoterID),
		}, nil
	}

	if contentType == gin.MIMEMultipartPOSTForm {
		if err := c.Request.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
			return usecase.Input{}, err
		}
	} else if err := c.Request.ParseForm(); err != nil {
		return usecase.Input{}, err
	}

	primary, err := formImage(c, "uploaded_image")
	if err != nil {
		return usecase.Input{}, err
	}
	reference, err := formImage(c, "reference_image")
	if err != nil {
		return usecase.Input{}, err
	}
	return usecase.Input{
		Primary:   primary,
		Reference: reference,
		VoterID:   strings.TrimSpace(c.PostForm("voter_id")),
	}, nil
}

// formImage reads a field that is either a file part or base64 text.
func formImage(c *gin.Context, field string) (usecase.ImageInput, error) {
	if form := c.Request.MultipartForm; form != nil {
		if files := form.File[field]; len(files) > 0 {
			data, err := readFile(files[0])
			if err != nil {
				return usecase.ImageInput{}, err
			}
			return usecase.ImageInput{Bytes: data}, nil
		}
	}
	return usecase.ImageInput{Base64: c.PostForm(field)}, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func successBody(o *usecase.Outcome) gin.H {
	body := gin.H{
		"success":          true,
		"request_id":       o.RequestID,
		"verified":         o.Match.Verified,
		"distance":         o.Match.Distance,
		"threshold":        o.Match.Threshold,
		"model":            o.Match.Model,
		"detector_backend": o.Match.DetectorBackend,
		"similarity_score": o.Match.SimilarityScore,
		"message":          o.Message(),
	}
	if o.VoterID != "" {
		body["voter_id"] = o.VoterID
	}
	if o.AntiSpoofing != nil {
		body["anti_spoofing"] = o.AntiSpoofing
	}
	return body
}

func writeError(c *gin.Context, e *usecase.ClassifiedError) {
	body := gin.H{
		"success":    false,
		"error":      string(e.Kind),
		"message":    e.Message,
		"request_id": e.RequestID,
	}
	if e.Details != "" {
		body["details"] = e.Details
	}
	if len(e.Images) > 0 {
		body["images"] = e.Images
	}
	c.JSON(e.Status(), body)
}

// malformed answers bodies that could not be bound at all. Image problems
// inside a well-formed body are classified by the workflow instead.
func malformed(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "malformed_request",
		"message": "The request could not be parsed.",
		"details": err.Error(),
	})
}

func tooLarge(c *gin.Context, limit int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"success": false,
		"error":   "payload_too_large",
		"message": "The uploaded images are too large.",
		"limit":   limit,
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func rateLimitPerIP(perSecond float64) gin.HandlerFunc {
	message, _ := json.Marshal(gin.H{
		"success": false,
		"error":   "rate_limited",
		"message": "Too many requests. Please slow down.",
	})

	lmt := tollbooth.NewLimiter(perSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: time.Minute,
	})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(string(message))

	return tollbooth_gin.LimitHandler(lmt)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func recoveryHandler(logger *zap.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered any) {
		logger.Error("panic while handling request", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   string(usecase.KindInternalError),
			"message": "An unexpected error occurred during verification.",
		})
	}
}
