// Package httpserver is the optional local debug endpoint of a running call
// client: liveness, readiness, build info, and the call snapshot.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/auth"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/conference"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/config"
)

// snapshotTimeout bounds how long a request waits on the call's event loop.
const snapshotTimeout = 2 * time.Second

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// CallReporter is the view of the call the server exposes.
// *conference.Conference satisfies it.
type CallReporter interface {
	Snapshot(ctx context.Context) (conference.Snapshot, error)
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	serving atomic.Bool
	call    CallReporter

	routes *http.ServeMux
	http   *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		routes: http.NewServeMux(),
	}

	s.routes.HandleFunc("GET /healthz", s.handleHealth)
	s.routes.HandleFunc("GET /readyz", s.handleReady)
	s.routes.HandleFunc("GET /version", s.handleVersion)
	s.HandleProtected("GET /state", http.HandlerFunc(s.handleState))
	s.HandleProtected("GET /webrtc/ice", http.HandlerFunc(s.handleICE))

	s.http = &http.Server{
		Addr:              cfg.DebugListenAddr,
		Handler:           s.observe(s.routes),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// SetCall attaches the call to report on. It must be called before Serve.
func (s *Server) SetCall(call CallReporter) {
	s.call = call
}

// HandleProtected registers h behind the debug API key, if one is configured.
// It must be called before Serve.
func (s *Server) HandleProtected(pattern string, h http.Handler) {
	if s.cfg.DebugAPIKey != "" {
		h = auth.Require(auth.APIKeyVerifier{Expected: s.cfg.DebugAPIKey}, h)
	}
	s.routes.Handle(pattern, h)
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("debug server serving", "addr", l.Addr().String())
	return s.http.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.http.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.http.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.build)
}

// handleReady answers 200 only while serving with the call JOINED.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.serving.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	snap, err := s.snapshot(r)
	switch {
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
	case snap.State != conference.StateJoined.String():
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "state": snap.State})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ready": true, "state": snap.State})
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": redactTURNCredentials(s.cfg.ICEServers)})
}

var errNoCall = errors.New("no call attached")

func (s *Server) snapshot(r *http.Request) (conference.Snapshot, error) {
	if s.call == nil {
		return conference.Snapshot{}, errNoCall
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	return s.call.Snapshot(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// observe tags every request with an X-Request-ID, turns handler panics into
// 500s and logs the outcome at debug level.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set("X-Request-ID", reqID)
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("panic in debug handler", "recover", p, "stack", string(debug.Stack()), "request_id", reqID)
				http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
			s.log.Debug("debug request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		}()
		next.ServeHTTP(rec, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
