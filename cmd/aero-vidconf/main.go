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

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/conference"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/config"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/peerlink"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/setup"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/transport"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/turnrest"
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

	// Built before anything connects so bad network settings fail at startup.
	api, err := peerlink.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-vidconf",
		"conference_id", cfg.ConferenceID,
		"action", cfg.Action,
		"setup_base_url", cfg.SetupBaseURL,
		"mode", cfg.Mode,
		"ice_servers", iceServerURLs(cfg.ICEServers),
		"media_silence", cfg.MediaSilence,
		"debug_listen_addr", cfg.DebugListenAddr,
	)
	logStartupWarnings(logger, cfg)

	links := conference.PionLinkFactory{
		API:        api,
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	}
	minter, err := turnrest.FromConfig(cfg)
	if err != nil {
		logger.Error("failed to configure turn rest credentials", "err", err)
		os.Exit(2)
	}
	if minter != nil {
		links.ICEServersFunc = minter.ICEServers
	}

	m := metrics.New()
	setupClient, err := setup.New(cfg.SetupBaseURL, &http.Client{Timeout: cfg.SetupTimeout})
	if err != nil {
		logger.Error("failed to configure setup client", "err", err)
		os.Exit(2)
	}
	dialer := transport.NewDialer(transport.Config{
		WriteWait:            cfg.SignalingWSWriteWait,
		PingInterval:         cfg.SignalingWSPingInterval,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		Logger:               logger,
		Metrics:              m,
	})
	src := media.NewTrackSource(logger)
	src.Silence = cfg.MediaSilence

	call, err := conference.New(conferenceLabel(cfg), conference.Options{
		Setup:  setupClient,
		Dialer: conference.WebSocketDialer(dialer),
		Media:  src,
		Links:  links,
		Listener: conference.ListenerFuncs{
			ParticipantLeft: func(id string) {
				logger.Info("participant left the call", "remote_id", id)
			},
			RemoteStream: func(id string, stream *media.RemoteStream) {
				for _, t := range stream.Tracks() {
					logger.Info("receiving remote media", "remote_id", id, "track_id", t.ID(), "kind", t.Kind().String())
				}
			},
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to create call", "err", err)
		os.Exit(2)
	}

	var srv *httpserver.Server
	errCh := make(chan error, 1)
	if cfg.DebugListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.DebugListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			_ = call.Close()
			os.Exit(1)
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
		srv.SetCall(call)
		srv.HandleProtected("GET /metrics", metrics.PrometheusHandler(m,
			metrics.Gauge{
				Name:  "aero_vidconf_participants",
				Help:  "Remote participants with a live peer link.",
				Value: func() float64 { return float64(len(call.Participants())) },
			},
			metrics.Gauge{
				Name:  "aero_vidconf_call_state",
				Help:  "Call state: 0 invalid, 1 valid url, 2 logged, 3 joined.",
				Value: func() float64 { return float64(call.State()) },
			},
		))
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if err := enterCall(ctx, call, cfg); err != nil {
		logger.Error("failed to join call", "err", err)
		exitCode = 1
	} else {
		logger.Info("joined call", "title", call.Title(), "participant_id", call.ParticipantID())
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug server exited", "err", err)
				exitCode = 1
			}
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := call.Leave(shutdownCtx); err != nil {
		logger.Error("leave failed", "err", err)
	}
	if err := call.Close(); err != nil {
		logger.Error("close failed", "err", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("debug server shutdown failed", "err", err)
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// enterCall runs the login flow for the configured action and joins.
func enterCall(ctx context.Context, call *conference.Conference, cfg config.Config) error {
	switch cfg.Action {
	case config.ActionCreate:
		req := setup.CreateRequest{Title: cfg.Title, Host: cfg.Host, Password: cfg.Password}
		if err := call.EstablishSession(ctx, req); err != nil {
			return err
		}
	default:
		if err := call.VerifyIdentity(ctx); err != nil {
			return err
		}
		creds := setup.Credentials{Host: cfg.Host, Password: cfg.Password}
		if err := call.JoinExistingSession(ctx, creds); err != nil {
			return err
		}
	}
	return call.Join(ctx)
}

// conferenceLabel names the call in logs. A created session has no id until
// the setup service assigns a relay address.
func conferenceLabel(cfg config.Config) string {
	switch {
	case cfg.ConferenceID != "":
		return cfg.ConferenceID
	case cfg.Title != "":
		return cfg.Title
	default:
		return "new-session"
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
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
