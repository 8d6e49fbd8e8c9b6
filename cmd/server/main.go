package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playback-coordinator/internal/platform/config"
	"playback-coordinator/internal/platform/logger"
	"playback-coordinator/internal/platform/metrics"
	"playback-coordinator/internal/playback"
	"playback-coordinator/internal/session"
	"playback-coordinator/internal/sink"
	"playback-coordinator/internal/source"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	cfg := session.Config{
		BytesPerSecond:   config.GetEnvFloat("SINK_BYTES_PER_SECOND", sink.DefaultBytesPerSecond),
		QuotaBytes:       int64(config.GetEnvInt("SINK_QUOTA_BYTES", 0)),
		SegmentLength:    config.GetEnvFloat("SEGMENT_LENGTH", playback.DefaultSegmentLength),
		PollInterval:     config.GetEnvDuration("SEEK_POLL_INTERVAL", playback.DefaultPollInterval),
		MaxPolls:         config.GetEnvInt("SEEK_MAX_POLLS", playback.DefaultMaxPolls),
		PositionInterval: config.GetEnvDuration("POSITION_INTERVAL", session.DefaultPositionInterval),
		DefaultDuration:  config.GetEnvFloat("DEFAULT_DURATION", playback.DefaultDuration),
		ChunkSize:        config.GetEnvInt("STREAM_CHUNK_SIZE", source.DefaultChunkSize),
		Logger:           log,
		Metrics:          met,
	}

	repo := session.NewInMemoryRepository()
	svc := session.NewService(repo, cfg)
	h := session.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(func() {
		met.SetActiveSessions(repo.ActiveSessionCount())
	}))
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")

		// Closing sessions first releases handlers waiting on streams.
		svc.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("server starting",
		"port", port,
		"bytes_per_second", cfg.BytesPerSecond,
		"position_interval", cfg.PositionInterval.String(),
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
