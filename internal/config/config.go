package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Spoofing modes accepted by SPOOFING_MODE.
const (
	SpoofingNone     = "none"
	SpoofingPrecheck = "precheck"
	SpoofingDelegate = "delegate"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	ShutdownTimeout time.Duration

	StagingDir      string
	StagingSweepAge time.Duration

	SpoofingMode         string
	SpoofThreshold       float64
	SpoofFrequencyWindow int
	SpoofMaxDimension    int

	MatcherTransport  string
	MatcherURL        string
	MatcherGRPCAddr   string
	MatcherTimeout    time.Duration
	MatcherModel      string
	MatcherMetric     string
	MatcherDetector   string
	MatcherStagingDir string

	VoterDirectory  string
	VoterAPIBaseURL string
	DatabaseURL     string
	ResolverTimeout time.Duration

	MaxUploadBytes     int64
	CORSOrigins        []string
	RateLimitPerSecond float64
	MaxInFlight        int64
	RedisAddr          string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		StagingDir:      getEnv("STAGING_DIR", filepath.Join(os.TempDir(), "face-verify")),
		StagingSweepAge: p.duration("STAGING_SWEEP_AGE", time.Hour),

		SpoofingMode:         strings.ToLower(getEnv("SPOOFING_MODE", SpoofingDelegate)),
		SpoofThreshold:       p.float("SPOOF_THRESHOLD", 0.6),
		SpoofFrequencyWindow: int(p.integer("SPOOF_FREQUENCY_WINDOW", 30)),
		SpoofMaxDimension:    int(p.integer("SPOOF_MAX_DIMENSION", 0)),

		MatcherTransport:  strings.ToLower(getEnv("MATCHER_TRANSPORT", "http")),
		MatcherURL:        getEnv("MATCHER_URL", "http://localhost:5005"),
		MatcherGRPCAddr:   getEnv("MATCHER_GRPC_ADDR", "localhost:50051"),
		MatcherTimeout:    p.duration("MATCHER_TIMEOUT", 120*time.Second),
		MatcherModel:      getEnv("MATCHER_MODEL", "VGG-Face"),
		MatcherMetric:     getEnv("MATCHER_DISTANCE_METRIC", "cosine"),
		MatcherDetector:   getEnv("MATCHER_DETECTOR", "opencv"),
		MatcherStagingDir: os.Getenv("MATCHER_STAGING_DIR"),

		VoterDirectory:  strings.ToLower(getEnv("VOTER_DIRECTORY", "http")),
		VoterAPIBaseURL: strings.TrimRight(getEnv("VOTER_API_BASE_URL", "http://localhost:9001"), "/"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ResolverTimeout: p.duration("RESOLVER_TIMEOUT", 5*time.Second),

		MaxUploadBytes:     p.integer("MAX_UPLOAD_BYTES", 10<<20),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimitPerSecond: p.float("RATE_LIMIT_PER_SECOND", 25),
		MaxInFlight:        p.integer("MAX_IN_FLIGHT", 10),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.SpoofingMode {
	case SpoofingNone, SpoofingPrecheck, SpoofingDelegate:
	default:
		errs = append(errs, fmt.Errorf("SPOOFING_MODE must be one of none|precheck|delegate, got %q", c.SpoofingMode))
	}
	switch c.MatcherTransport {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("MATCHER_TRANSPORT must be http or grpc, got %q", c.MatcherTransport))
	}
	switch c.VoterDirectory {
	case "http":
	case "sql":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when VOTER_DIRECTORY=sql"))
		}
	default:
		errs = append(errs, fmt.Errorf("VOTER_DIRECTORY must be http or sql, got %q", c.VoterDirectory))
	}
	if c.SpoofThreshold <= 0 || c.SpoofThreshold > 1 {
		errs = append(errs, fmt.Errorf("SPOOF_THRESHOLD must be in (0,1], got %v", c.SpoofThreshold))
	}
	if c.SpoofFrequencyWindow <= 0 {
		errs = append(errs, fmt.Errorf("SPOOF_FREQUENCY_WINDOW must be positive, got %d", c.SpoofFrequencyWindow))
	}
	if c.SpoofMaxDimension < 0 {
		errs = append(errs, fmt.Errorf("SPOOF_MAX_DIMENSION must not be negative, got %d", c.SpoofMaxDimension))
	}
	if c.StagingSweepAge <= 0 {
		errs = append(errs, fmt.Errorf("STAGING_SWEEP_AGE must be positive, got %s", c.StagingSweepAge))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	if c.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("MAX_IN_FLIGHT must not be negative, got %d", c.MaxInFlight))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects conversion errors so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (p *parser) integer(key string, fallback int64) int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}
