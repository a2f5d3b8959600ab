package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/followup/internal/api/ws"
	"github.com/gosuda/followup/internal/clarify"
	"github.com/gosuda/followup/internal/config"
	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/guard"
	"github.com/gosuda/followup/internal/replay"
	"github.com/gosuda/followup/internal/server"
	"github.com/gosuda/followup/internal/store/memory"
	"github.com/gosuda/followup/internal/store/postgres"
	redisstore "github.com/gosuda/followup/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

// backends groups the storage capabilities the gateway runs on.
type backends struct {
	log      domain.Log
	channel  domain.Channel
	counters domain.CounterStore
	closers  []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("FOLLOWUP_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("FOLLOWUP_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	var generator *clarify.Generator
	if cfg.OpenAI.Disabled {
		log.Warn().Msg("FOLLOWUP_OPENAI_DISABLED=true; every follow-up is answered with the fallback text")
		generator = clarify.New(nil, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		generator = clarify.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	}

	engine := replay.New(b.log, cfg.Gateway.ReplayBatch)
	hub := ws.NewHub(ws.Deps{
		Log:       b.log,
		Channel:   b.channel,
		Guard:     guard.New(b.counters, cfg.Guard.RateWindow, cfg.Guard.DedupTTL),
		Replay:    engine,
		Generator: generator,
	}, ws.Options{
		SendBuffer:     cfg.Gateway.SendBuffer,
		OriginPatterns: cfg.Gateway.OriginPatterns,
	})

	srv := server.New(ctx, cfg, hub, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		// Accept upgrades only once live envelopes can be delivered.
		select {
		case <-hub.Ready():
		case <-gctx.Done():
			return nil
		}
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("backend", cfg.Backend).
			Str("log_backend", cfg.LogBackend).
			Msg("starting server")
		return srv.Start(gctx)
	})
	g.Go(func() error {
		// Block until shutdown signal or a sibling failure.
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}

// openBackends connects the channel, counter and log stores selected by cfg.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	var rs *redisstore.Store
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		rs = store
		b.closers = append(b.closers, func() {
			if closeErr := store.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("closing redis")
			}
		})
		b.channel = store.PubSub()
		b.counters = store.Counters()
	default:
		b.channel = memory.NewChannel(cfg.Gateway.SendBuffer)
		b.counters = memory.NewCounters()
	}

	switch cfg.LogBackend {
	case config.BackendPostgres:
		if cfg.Database.MaxConns > math.MaxInt32 {
			b.close()
			return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.log = store.Log()
	case config.BackendRedis:
		if rs == nil {
			store, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				b.close()
				return nil, err
			}
			rs = store
			b.closers = append(b.closers, func() { _ = store.Close() })
		}
		b.log = rs.Log()
	default:
		b.log = memory.NewLog()
	}

	return b, nil
}
