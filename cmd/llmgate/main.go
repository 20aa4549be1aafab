package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/llmgate/llmgate/internal/backend"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/governance"
	"github.com/llmgate/llmgate/internal/obs"
	"github.com/llmgate/llmgate/internal/server"
	"github.com/llmgate/llmgate/internal/tokenizer"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config.yaml"
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	// A malformed limit table must never make it into a running process.
	limits, err := governance.NewLimits(cfg.Limits.Users, cfg.Limits.Default)
	if err != nil {
		log.Fatalf("invalid rate limit config: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	metrics.SetModelInfo(cfg.Backend.Model, backend.Provider, server.Version)

	limiter := governance.NewLimiter(limits, governance.NewLedger(governance.Window), func(user string) {
		metrics.RateLimitExceeded.WithLabelValues(user).Inc()
	})

	tokens, err := tokenizer.New()
	if err != nil {
		logger.Warn().Err(err).Msg("tokenizer unavailable, falling back to word counts")
	}

	client := backend.NewClient(cfg.Backend.URL(), cfg.Backend.Model, cfg.Backend.Timeout())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if client.Healthy(ctx) {
		logger.Info().Str("url", cfg.Backend.URL()).Msg("backend reachable")
	} else {
		logger.Error().Str("url", cfg.Backend.URL()).Msg("could not reach backend")
	}
	cancel()

	srv := server.New(logger, limiter, metrics, tokens, client)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(reg, cfg.Server.MaxBody()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Str("model", cfg.Backend.Model).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}
