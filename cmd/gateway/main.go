// Command gateway serves concrnt timelines to Resonite and relays posts back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/concrnt/resonite-gateway/api"
	"github.com/concrnt/resonite-gateway/api/validator"
	"github.com/concrnt/resonite-gateway/concrnt"
	"github.com/concrnt/resonite-gateway/config"
	"github.com/concrnt/resonite-gateway/postgres"
	"github.com/concrnt/resonite-gateway/redis"
	"github.com/concrnt/resonite-gateway/summary"
	"github.com/concrnt/resonite-gateway/timeline"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Gateway stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client, err := concrnt.Connect(ctx, cfg.Subkey,
		concrnt.WithLogger(logger),
		concrnt.WithRateLimit(float64(cfg.UpstreamRPS), cfg.UpstreamRPS),
	)
	if err != nil {
		return fmt.Errorf("connect to concrnt: %w", err)
	}
	logger.Info("Connected to concrnt", "host", client.Host())

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		r, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer r.Close()
		limiter = r.Limiter(cfg.PostLimit, cfg.PostWindow)
		logger.Info("Using redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		limiter = api.NewMemoryLimiter(cfg.PostLimit, cfg.PostWindow)
	}

	var posts api.PostLog
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.CreateSchema(ctx); err != nil {
			return err
		}
		posts = pg
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	var summarizer timeline.Summarizer
	if cfg.SummaryURL != "" {
		summarizer = &summary.Service{Endpoint: cfg.SummaryURL, Client: httpClient, Logger: logger}
	} else {
		summarizer = &summary.Scraper{Logger: logger}
	}

	agg := &timeline.Aggregator{
		Logger:     logger,
		Upstream:   client,
		Summarizer: summarizer,
		Rich:       cfg.RichEntries,
		Location:   time.Local,
	}
	if cfg.ProxyImages {
		agg.ImageProxy = cfg.ImageProxy
	}

	trusted, invalid := api.ParseTrustedProxies(cfg.TrustedProxies)
	if len(invalid) > 0 {
		logger.Warn("Ignoring invalid trusted proxies", "entries", invalid)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: &api.API{
			Logger:         logger,
			Timelines:      agg,
			Upstream:       client,
			Limiter:        limiter,
			Posts:          posts,
			Val:            validator.New(),
			AssetHost:      cfg.AssetHost,
			TrustedProxies: trusted,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
