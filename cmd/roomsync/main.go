package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabtext/roomsync/internal/config"
	"collabtext/roomsync/internal/discovery"
	"collabtext/roomsync/internal/room"
	"collabtext/roomsync/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// run serves until a signal or a listener failure. Deferred cleanup always
// runs before it returns.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Rooms ---
	registry := room.NewRegistry(cfg.RoomPolicy(), room.WithLogger(logger))
	go registry.Run(ctx, cfg.Room.SweepInterval)

	// --- HTTP / WebSocket ---
	wsServer := transport.NewServer(registry, cfg.TransportOptions(), logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           wsServer.NewRouter(cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- LAN discovery ---
	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, cfg.Discovery.Domain, cfg.Listen, logger)
		if err != nil {
			logger.Error("mDNS advertisement disabled", "error", err)
		} else {
			defer adv.Shutdown()
			go func() {
				if err := discovery.Browse(ctx, cfg.Discovery.Service, cfg.Discovery.Domain, logger); err != nil {
					logger.Warn("mDNS browsing stopped", "error", err)
				}
			}()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("roomsync server starting", "listen", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Hijacked WebSocket connections are not tracked by http.Server.
	registry.CloseAll()
	if err := wsServer.Drain(shutdownCtx); err != nil {
		logger.Warn("connections still open at exit", "error", err)
	}
	return serveErr
}

func newLogger(c config.LogConfig) *slog.Logger {
	level, _ := c.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
