package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/example/face-verify/internal/admission"
	"github.com/example/face-verify/internal/antispoof"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/grpcclient"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
	"github.com/example/face-verify/internal/metrics"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/resolver"
	"github.com/example/face-verify/internal/staging"
	"github.com/example/face-verify/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	area, err := staging.NewArea(cfg.StagingDir, logger)
	if err != nil {
		logger.Fatal("failed to prepare staging directory", zap.Error(err))
	}
	// Other replicas may share the directory, so only stale files are swept.
	sweepStaging(area, cfg, logger)
	defer sweepStaging(area, cfg, logger)

	var db *gorm.DB
	if cfg.DatabaseURL != "" {
		db = initDatabase(ctx, cfg.DatabaseURL, logger)
	}

	var audit usecase.VerificationRepository
	if db != nil {
		repo := repository.NewVerificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		audit = repo
	}

	references := initResolver(cfg, db, logger)

	client, closeMatcher := initMatcher(ctx, cfg, logger)
	defer closeMatcher()

	var analyzer usecase.SpoofAnalyzer
	if cfg.SpoofingMode == config.SpoofingPrecheck {
		params := antispoof.DefaultParams()
		params.Threshold = cfg.SpoofThreshold
		params.FrequencyWindow = cfg.SpoofFrequencyWindow
		params.MaxDimension = cfg.SpoofMaxDimension
		analyzer = antispoof.New(params, logger)
	}

	policy := matcher.Policy{
		ModelName:       cfg.MatcherModel,
		DistanceMetric:  cfg.MatcherMetric,
		DetectorBackend: cfg.MatcherDetector,
		AntiSpoofing:    cfg.SpoofingMode == config.SpoofingDelegate,
	}
	uc := usecase.NewVerificationUseCase(area, analyzer, client, references, audit, usecase.Options{
		SpoofingMode:      cfg.SpoofingMode,
		Policy:            policy,
		MatcherStagingDir: cfg.MatcherStagingDir,
	}, logger)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(uc, handlers.Options{
		MaxUploadBytes:     cfg.MaxUploadBytes,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		Limiter:            initLimiter(ctx, cfg, logger),
		Metrics:            metrics.NewRecorder(),
	}, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("spoofing_mode", cfg.SpoofingMode),
		zap.String("matcher_transport", cfg.MatcherTransport),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func sweepStaging(area *staging.Area, cfg *config.Config, logger *zap.Logger) {
	removed, err := area.Sweep(cfg.StagingSweepAge)
	if err != nil {
		logger.Warn("staging sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("removed stale staged files", zap.Int("count", removed))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, dialect, err := repository.Open(dsn)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	zapLogger.Info("database connected", zap.String("dialect", dialect))
	return db
}

func initResolver(cfg *config.Config, db *gorm.DB, logger *zap.Logger) usecase.ReferenceResolver {
	var directory resolver.Directory
	switch cfg.VoterDirectory {
	case "sql":
		directory = repository.NewVoterDirectory(db)
	default:
		directory = resolver.NewHTTPDirectory(cfg.VoterAPIBaseURL, cfg.ResolverTimeout)
	}

	res, err := resolver.New(directory, cfg.VoterAPIBaseURL, cfg.ResolverTimeout, logger)
	if err != nil {
		logger.Fatal("invalid voter API base url", zap.Error(err))
	}
	return res
}

func initMatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (matcher.Client, func()) {
	if cfg.MatcherTransport == "grpc" {
		client, conn, err := grpcclient.DialFaceMatcher(ctx, cfg.MatcherGRPCAddr, logger,
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(4<<20)))
		if err != nil {
			logger.Fatal("failed to connect to face matcher", zap.Error(err))
		}
		return client, func() { conn.Close() }
	}
	return matcher.NewHTTPClient(cfg.MatcherURL, cfg.MatcherTimeout, logger), func() {}
}

func initLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) admission.Limiter {
	if cfg.MaxInFlight == 0 {
		return nil
	}
	if cfg.RedisAddr == "" {
		return admission.NewLocalLimiter(cfg.MaxInFlight)
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := initRedis(redisCtx, cfg.RedisAddr, logger)
	return admission.NewSharedLimiter(admission.NewRedisCounter(client), "face-verify:inflight", cfg.MaxInFlight, logger)
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		// The shared limiter falls back to a local count while Redis is away.
		zapLogger.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
