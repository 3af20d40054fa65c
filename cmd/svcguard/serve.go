package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/host"
	"github.com/loykin/svcguard/internal/logger"
	"github.com/loykin/svcguard/internal/server"
)

// shutdownGrace bounds host cleanup after a signal; children get their own
// shutdown timeout inside it.
const shutdownGrace = time.Minute

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runServe blocks until ctx is done, then stops every service.
func runServe(ctx context.Context, configPath string, flags ServeFlags, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log := logger.New(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	h, err := host.New(cfg, host.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := h.Cleanup(cctx); err != nil {
			log.Error("cleanup", "error", err)
		}
	}()

	addr := cfg.Server.Listen
	if flags.Addr != "" {
		addr = flags.Addr
	}
	srv, err := server.NewServer(addr, cfg.Server.BasePath, server.FromHost(h))
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	_, _ = fmt.Fprintf(out, "svcguard control API on http://%s%s\n", srv.Addr, cfg.Server.BasePath)

	if !flags.NoWatch && cfg.Path() != "" {
		if err := h.Watch(); err != nil {
			log.Warn("config watch disabled", "path", cfg.Path(), "error", err)
		}
	}

	if !flags.NoAutoStart {
		// a failed start leaves the service in Error; the API stays up so it
		// can be inspected and retried
		if err := h.StartAll(ctx); err != nil {
			log.Error("start services", "error", err)
		}
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")
	return nil
}
