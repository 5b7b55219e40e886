// Package app wires the relay together: store, registry, router, heartbeat
// and the HTTP server.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"ringlink/internal/auth"
	"ringlink/internal/config"
	"ringlink/internal/relay"
	"ringlink/internal/store"
	"ringlink/internal/store/sqlite"
	transporthttp "ringlink/internal/transport/http"
)

// App owns the running pieces of the relay process.
type App struct {
	server          *stdhttp.Server
	heartbeat       *relay.Heartbeat
	store           store.CallStore
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("call store initialized")

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
		logger.Info().Msg("connect-token verification enabled")
	}

	reg := relay.NewRegistry()
	router := relay.NewRouter(reg, st, verifier, logger)
	heartbeat := relay.NewHeartbeat(reg, router, cfg.HeartbeatInterval, cfg.IdleMultiplier, logger)
	server := transporthttp.NewServer(router, reg, st, cfg, logger)

	return &App{
		server:          server,
		heartbeat:       heartbeat,
		store:           st,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.heartbeat.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
