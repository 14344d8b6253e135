package main

import (
	"log/slog"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.HardCloseAfterViolations <= 0 {
		logger.Warn("startup security warning: HARD_CLOSE_AFTER_VIOLATIONS is 0 while --mode=prod (rate limited clients are never disconnected)",
			"warning_code", "hard_close_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (session descriptions are normally a few KiB)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() {
		for _, server := range cfg.ICEServers {
			if !config.HasTURNURL(server) || strings.TrimSpace(server.Username) == "" {
				continue
			}
			logger.Warn("startup security warning: TURN server has static credentials while TURN REST is enabled (they are replaced per request and should be removed)",
				"warning_code", "turn_static_credentials_with_turn_rest",
				"turn_urls", server.URLs,
				"mode", cfg.Mode,
			)
		}
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
