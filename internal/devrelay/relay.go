// Package devrelay is an in-memory session setup service and signaling relay
// for local runs and end-to-end tests. It answers the same HTTP and WebSocket
// protocol the call client speaks and keeps nothing beyond process memory.
//
// Every participant is told it is an initiator. start_call is only delivered
// to participants that connected before the sender, so each pair of
// participants has exactly one offering side.
package devrelay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageBytes = 64 << 10
	sendBuffer      = 256
	maxRequestBytes = 1 << 16
)

type Config struct {
	Logger *slog.Logger
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(*http.Request) bool
}

type Server struct {
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id       string
	title    string
	host     string
	password string

	mu      sync.Mutex
	peers   map[*peer]struct{}
	nextSeq uint64
}

type peer struct {
	conn *websocket.Conn
	send chan []byte

	// Guarded by the owning session's mu.
	userID string
	seq    uint64
	left   bool
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s := &Server{
		log: logger,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[string]*session),
	}
	s.mux.HandleFunc("POST /session", s.handleCreate)
	s.mux.HandleFunc("POST /connect/{socket}", s.handleConnect)
	s.mux.HandleFunc("GET /connect", s.handleVerify)
	s.mux.HandleFunc("GET /ws/{socket}", s.handleWebSocket)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close drops every open signaling connection. Sessions stay registered.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		for p := range sess.peers {
			_ = p.conn.Close()
		}
		sess.mu.Unlock()
	}
}

// Participants reports the user ids currently connected to a session.
func (s *Server) Participants(id string) []string {
	sess := s.lookup(id)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]string, 0, len(sess.peers))
	for p := range sess.peers {
		if p.userID != "" {
			out = append(out, p.userID)
		}
	}
	return out
}

type sessionData struct {
	Title  string `json:"title,omitempty"`
	Socket string `json:"socket,omitempty"`
}

type sessionResponse struct {
	Data sessionData `json:"data"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Host     string `json:"host"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		title:    req.Title,
		host:     req.Host,
		password: req.Password,
		peers:    make(map[*peer]struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.Info("session created", "session_id", sess.id, "title", sess.title)
	writeJSON(w, http.StatusOK, sessionResponse{Data: sessionData{Title: sess.title, Socket: socketURL(r, sess.id)}})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(r.PathValue("socket"))
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var creds struct {
		Host     string `json:"host"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if sess.password != "" && creds.Password != sess.password {
		http.Error(w, "invalid credentials", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Data: sessionData{Title: sess.title, Socket: socketURL(r, sess.id)}})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(r.URL.Query().Get("url"))
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Data: sessionData{Title: sess.title}})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(r.PathValue("socket"))
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		_ = conn.Close()
		return
	}
	sess.mu.Lock()
	sess.peers[p] = struct{}{}
	sess.mu.Unlock()

	go p.writePump()
	s.readPump(sess, p)
}

func (s *Server) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) readPump(sess *session, p *peer) {
	log := s.log.With("session_id", sess.id)
	defer func() {
		sess.mu.Lock()
		delete(sess.peers, p)
		close(p.send)
		userID, announce := p.userID, p.userID != "" && !p.left
		sess.mu.Unlock()
		_ = p.conn.Close()

		if announce {
			s.broadcast(sess, p, signaling.Disconnect{UserID: userID}, log)
		}
		log.Info("participant disconnected", "user_id", userID)
	}()

	p.conn.SetReadLimit(maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read failed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			log.Debug("dropping undecodable frame", "err", err)
			continue
		}

		switch m := msg.(type) {
		case signaling.Connect:
			sess.mu.Lock()
			if p.userID == "" {
				sess.nextSeq++
				p.userID, p.seq = m.UserID, sess.nextSeq
			}
			sess.mu.Unlock()
			log.Info("participant connected", "user_id", m.UserID)
			s.reply(p, signaling.SessionJoined{Initiator: true}, log)
		case signaling.StartCall:
			s.forward(sess, p, data, func(to *peer) bool { return to.seq < p.seq })
		case signaling.Offer:
			s.forward(sess, p, data, addressedTo(m.To))
		case signaling.Answer:
			s.forward(sess, p, data, addressedTo(m.To))
		case signaling.Disconnect:
			sess.mu.Lock()
			p.left = true
			sess.mu.Unlock()
			s.forward(sess, p, data, nil)
		default:
			s.forward(sess, p, data, nil)
		}
	}
}

func addressedTo(id string) func(*peer) bool {
	if id == "" {
		return nil
	}
	return func(to *peer) bool { return to.userID == id }
}

func (s *Server) reply(p *peer, msg signaling.Message, log *slog.Logger) {
	data, err := signaling.Encode(msg)
	if err != nil {
		log.Error("failed to encode reply", "type", string(msg.Type()), "err", err)
		return
	}
	select {
	case p.send <- data:
	default:
		log.Warn("send buffer full; dropping frame", "user_id", p.userID)
	}
}

func (s *Server) broadcast(sess *session, from *peer, msg signaling.Message, log *slog.Logger) {
	data, err := signaling.Encode(msg)
	if err != nil {
		log.Error("failed to encode broadcast", "type", string(msg.Type()), "err", err)
		return
	}
	s.forward(sess, from, data, nil)
}

// forward queues data for every connected participant other than from that
// match accepts. A nil match accepts everyone.
func (s *Server) forward(sess *session, from *peer, data []byte, match func(*peer) bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for to := range sess.peers {
		if to == from || to.userID == "" {
			continue
		}
		if match != nil && !match(to) {
			continue
		}
		select {
		case to.send <- data:
		default:
			s.log.Warn("send buffer full; dropping frame", "session_id", sess.id, "user_id", to.userID)
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func socketURL(r *http.Request, id string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws/" + id
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
