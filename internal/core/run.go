package core

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownGrace = 10 * time.Second

// Run serves handler and drives the background activities until a signal or
// a fatal activity failure, then performs the ordered shutdown sequence.
func (c *Core) Run(handler http.Handler) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    c.cfg.ListenAddr,
		Handler: handler,
	}

	distErr := make(chan error, 1)
	go func() { distErr <- c.RunEventDistribution(ctx) }()

	monErr := make(chan error, 1)
	go func() { monErr <- c.RunMonitorLoop(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("http server exited")
	case runErr = <-distErr:
		log.Error().Err(runErr).Msg("event distribution exited")
	case runErr = <-monErr:
		log.Error().Err(runErr).Msg("monitor loop exited")
	}
	stop()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	c.Shutdown(shutdownCtx)
	return runErr
}

// Shutdown runs the ordered teardown: stop every instance sequentially, close
// the event bus, then flush the crash-consistent containers. Failures are
// logged and teardown continues; shutdown is best effort by design of each
// step, not of the sequence.
func (c *Core) Shutdown(ctx context.Context) {
	c.Registry.StopAll(ctx)
	c.Bus.Close()

	c.usersMu.Lock()
	if err := c.users.Finalize(); err != nil {
		log.Error().Err(err).Msg("user store final flush failed")
	}
	c.usersMu.Unlock()

	c.eventsMu.Lock()
	if err := c.eventBuffer.Finalize(); err != nil {
		log.Error().Err(err).Msg("event history final flush failed")
	}
	c.eventsMu.Unlock()

	c.consoleMu.Lock()
	if err := c.consoleBuffers.Finalize(); err != nil {
		log.Error().Err(err).Msg("console history final flush failed")
	}
	c.consoleMu.Unlock()

	log.Info().Msg("core shutdown complete")
}
