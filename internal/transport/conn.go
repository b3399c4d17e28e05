// Package transport is the WebSocket channel to the signaling relay. It carries
// handshake frames only; it never retries or reconnects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
)

const (
	DefaultWriteWait        = 1 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxMessageBytes  = int64(64 * 1024)
)

var ErrClosed = errors.New("transport: closed")

// Config tunes a Dialer. Zero values pick the defaults above; a zero
// PingInterval or IdleTimeout disables that keepalive.
//
// MaxMessagesPerSecond limits inbound frames other than handshake frames
// (see signaling.Type.Handshake). Zero or negative means unlimited.
type Config struct {
	Header http.Header

	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handler receives inbound events. Callbacks run on the connection's read
// goroutine, in frame order, and must not block for long.
type Handler struct {
	OnMessage func(data []byte)
	// OnClose fires once when the read side stops, with the error that ended it
	// (nil after a local Close).
	OnClose func(err error)
}

type Dialer struct {
	cfg Config
	ws  websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		ws: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial completes the WebSocket handshake. The returned Conn is open; inbound
// frames are delivered only after Start.
func (d *Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := d.ws.DialContext(ctx, url, d.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (http status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	ws.SetReadLimit(d.cfg.MaxMessageBytes)

	c := &Conn{
		cfg:     d.cfg,
		ws:      ws,
		log:     d.cfg.Logger.With("relay", url),
		limiter: ratelimit.NewLimiter(ratelimit.RealClock{}, d.cfg.MaxMessagesPerSecond, d.cfg.MaxMessagesPerSecond),
		done:    make(chan struct{}),
	}
	c.open.Store(true)
	return c, nil
}

// Conn is one open relay channel.
type Conn struct {
	cfg     Config
	ws      *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.Limiter

	writeMu sync.Mutex

	open      atomic.Bool
	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Start begins delivering inbound frames to h. Only the first call has any
// effect.
func (c *Conn) Start(h Handler) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if c.cfg.IdleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		})
	}
	go c.readLoop(h)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop()
	}
}

func (c *Conn) readLoop(h Handler) {
	var err error
	defer func() {
		c.open.Store(false)
		if c.closing.Load() {
			err = nil
		}
		if h.OnClose != nil {
			h.OnClose(err)
		}
		c.shutdown()
	}()

	for {
		var msgType int
		var data []byte
		msgType, data, err = c.ws.ReadMessage()
		if err != nil {
			return
		}
		if c.cfg.IdleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		if msgType != websocket.TextMessage {
			c.cfg.Metrics.Inc(metrics.SignalingDropNonText)
			c.log.Debug("dropping signaling frame", "reason", "non_text", "message_type", msgType)
			continue
		}
		// Handshake frames always pass; trickle ICE and unknown frames are limited.
		if t := signaling.PeekType(data); !t.Handshake() && !c.limiter.Allow() {
			c.cfg.Metrics.Inc(metrics.SignalingDropRateLimit)
			c.log.Warn("dropping signaling frame", "reason", "rate_limited", "type", string(t))
			continue
		}
		c.cfg.Metrics.Inc(metrics.SignalingReceived)
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("relay ping failed", "err", err)
				return
			}
		}
	}
}

// Send encodes and writes one frame.
func (c *Conn) Send(msg signaling.Message) error {
	if !c.open.Load() {
		return ErrClosed
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.cfg.Metrics.Inc(metrics.SignalingSendFailed)
		return fmt.Errorf("transport: send %s: %w", msg.Type(), err)
	}
	c.cfg.Metrics.Inc(metrics.SignalingSent)
	return nil
}

func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// Close sends a normal close frame and releases the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.open.Store(false)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"), time.Now().Add(c.cfg.WriteWait))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
