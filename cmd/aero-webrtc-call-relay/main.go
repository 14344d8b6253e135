package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-call-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_connections", cfg.MaxConnections,
		"signaling_send_queue_size", cfg.SignalingSendQueueSize,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"hard_close_after_violations", cfg.HardCloseAfterViolations,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /readyz will report not ready", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	rl := relay.New(
		relay.WithLogger(logger),
		relay.WithMetrics(m),
		relay.WithMaxConnections(cfg.MaxConnections),
	)
	if err := registerRelayGauges(m, rl); err != nil {
		logger.Error("failed to register metrics", "err", err)
		os.Exit(2)
	}

	sig := signaling.NewServer(signaling.Config{
		Relay:   rl,
		Logger:  logger,
		Metrics: m,
		Origins: srv.Origins(),

		IdleTimeout:              cfg.SignalingWSIdleTimeout,
		PingInterval:             cfg.SignalingWSPingInterval,
		MaxMessageBytes:          cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond:     cfg.MaxSignalingMessagesPerSecond,
		HardCloseAfterViolations: cfg.HardCloseAfterViolations,
		ViolationWindow:          cfg.ViolationWindow,
		SendQueueSize:            cfg.SignalingSendQueueSize,
	})
	sig.RegisterRoutes(srv.Mux())

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		rl.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.Shutdown;
	// close them first so Shutdown only waits on plain requests.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	rl.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
