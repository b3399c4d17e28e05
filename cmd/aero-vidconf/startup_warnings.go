package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if u, err := url.Parse(cfg.SetupBaseURL); err == nil && strings.EqualFold(u.Scheme, "http") && !isLoopbackHost(u.Hostname()) {
		logger.Warn("startup security warning: setup service is plain http (session credentials are sent unencrypted)",
			"warning_code", "setup_base_url_plaintext",
			"setup_host", u.Host,
			"mode", cfg.Mode,
		)
	}

	if cfg.DebugListenAddr != "" {
		host, _, err := net.SplitHostPort(cfg.DebugListenAddr)
		if err == nil && !isLoopbackHost(host) && cfg.DebugAPIKey == "" {
			logger.Warn("startup security warning: debug server listens beyond loopback without an API key (call state and participant ids are exposed)",
				"warning_code", "debug_listen_not_loopback",
				"debug_listen_addr", cfg.DebugListenAddr,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.Mode == config.ModeProd && !hasTURNServer(cfg.ICEServers) {
		logger.Warn("startup warning: no TURN server configured while --mode=prod (peers behind symmetric NAT cannot connect)",
			"warning_code", "no_turn_server_in_prod",
			"ice_servers", iceServerURLs(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

// isLoopbackHost reports whether host is localhost or a loopback literal. An
// empty host (":8080") binds every interface and is not loopback.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
