package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
)

// startRelay serves one WebSocket endpoint and hands each accepted conn to fn.
func startRelay(t *testing.T, fn func(c *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func quietConfig(m *metrics.Metrics) Config {
	return Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	}
}

func TestConn_SendAndReceiveInOrder(t *testing.T) {
	received := make(chan string, 4)
	url := startRelay(t, func(c *websocket.Conn) {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		for _, frame := range []string{
			`{"type":"session_joined","userID":"relay","initiator":true}`,
			`{"type":"start_call","userID":"p2"}`,
		} {
			if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_, _, _ = c.ReadMessage()
	})

	m := metrics.New()
	conn, err := NewDialer(quietConfig(m)).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if !conn.IsOpen() {
		t.Fatalf("expected open conn after dial")
	}

	frames := make(chan []byte, 4)
	conn.Start(Handler{OnMessage: func(b []byte) { frames <- b }})

	if err := conn.Send(signaling.Connect{UserID: "p1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if !strings.Contains(got, `"type":"connect"`) || !strings.Contains(got, `"userID":"p1"`) {
			t.Fatalf("relay got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for relay to receive connect")
	}

	for _, want := range []signaling.Type{signaling.TypeSessionJoined, signaling.TypeStartCall} {
		select {
		case b := <-frames:
			msg, err := signaling.Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Type() != want {
				t.Fatalf("type=%s, want %s", msg.Type(), want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	if got := m.Get(metrics.SignalingSent); got != 1 {
		t.Fatalf("sent=%d, want 1", got)
	}
	if got := m.Get(metrics.SignalingReceived); got != 2 {
		t.Fatalf("received=%d, want 2", got)
	}
}

func TestConn_CloseIsIdempotentAndStopsSend(t *testing.T) {
	serverErr := make(chan error, 1)
	url := startRelay(t, func(c *websocket.Conn) {
		_, _, err := c.ReadMessage()
		serverErr <- err
	})

	conn, err := NewDialer(quietConfig(nil)).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	closed := make(chan error, 1)
	conn.Start(Handler{OnClose: func(err error) { closed <- err }})

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if conn.IsOpen() {
		t.Fatalf("expected closed conn")
	}
	if err := conn.Send(signaling.Disconnect{UserID: "p1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close err=%v, want ErrClosed", err)
	}

	select {
	case err := <-serverErr:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("relay saw %v, want normal closure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for relay to see close")
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("OnClose err=%v, want nil after local close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose not called")
	}
}

func TestConn_RemoteCloseReportsError(t *testing.T) {
	url := startRelay(t, func(c *websocket.Conn) {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	})

	conn, err := NewDialer(quietConfig(nil)).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	closed := make(chan error, 1)
	conn.Start(Handler{OnClose: func(err error) { closed <- err }})
	select {
	case err := <-closed:
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("OnClose err=%v, want going away", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose not called")
	}
	if conn.IsOpen() {
		t.Fatalf("expected closed conn")
	}
}

func TestConn_OversizeFrameClosesConn(t *testing.T) {
	url := startRelay(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 256)))
		_, _, _ = c.ReadMessage()
	})

	cfg := quietConfig(nil)
	cfg.MaxMessageBytes = 64
	conn, err := NewDialer(cfg).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := make(chan []byte, 1)
	closed := make(chan error, 1)
	conn.Start(Handler{
		OnMessage: func(b []byte) { got <- b },
		OnClose:   func(err error) { closed <- err },
	})
	select {
	case err := <-closed:
		if err == nil {
			t.Fatalf("expected read error for oversize frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose not called")
	}
	select {
	case b := <-got:
		t.Fatalf("oversize frame delivered (%d bytes)", len(b))
	default:
	}
}

const (
	iceFrame   = `{"type":"ice","userID":"p2","candidate":"{\"candidate\":\"candidate:1 1 udp 1 10.0.0.2 9 typ host\"}"}`
	offerFrame = `{"type":"offer","userID":"p2","to":"p1","description":"{\"type\":\"offer\",\"sdp\":\"v=0\"}"}`
)

// waitAccounted waits until n inbound frames have been delivered or dropped.
func waitAccounted(t *testing.T, m *metrics.Metrics, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		seen := m.Get(metrics.SignalingReceived) + m.Get(metrics.SignalingDropNonText) + m.Get(metrics.SignalingDropRateLimit)
		if seen == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames accounted=%d, want %d (%v)", seen, n, m.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConn_DropsNonTextAndRateLimitedFrames(t *testing.T) {
	url := startRelay(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		for i := 0; i < 5; i++ {
			_ = c.WriteMessage(websocket.TextMessage, []byte(iceFrame))
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(offerFrame))
		_, _, _ = c.ReadMessage()
	})

	m := metrics.New()
	cfg := quietConfig(m)
	cfg.MaxMessagesPerSecond = 3
	conn, err := NewDialer(cfg).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var offers int
	var mu sync.Mutex
	conn.Start(Handler{OnMessage: func(data []byte) {
		if signaling.PeekType(data) == signaling.TypeOffer {
			mu.Lock()
			offers++
			mu.Unlock()
		}
	}})

	waitAccounted(t, m, 7)
	if got := m.Get(metrics.SignalingDropNonText); got != 1 {
		t.Fatalf("non-text drops=%d, want 1", got)
	}
	if got := m.Get(metrics.SignalingReceived); got != 4 {
		t.Fatalf("received=%d, want 4", got)
	}
	if got := m.Get(metrics.SignalingDropRateLimit); got != 2 {
		t.Fatalf("rate limited=%d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if offers != 1 {
		t.Fatalf("offers delivered=%d, want 1", offers)
	}
}

func TestConn_DefaultConfigDeliversBursts(t *testing.T) {
	const ice = 80
	url := startRelay(t, func(c *websocket.Conn) {
		for i := 0; i < ice; i++ {
			_ = c.WriteMessage(websocket.TextMessage, []byte(iceFrame))
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(offerFrame))
		_, _, _ = c.ReadMessage()
	})

	m := metrics.New()
	conn, err := NewDialer(quietConfig(m)).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	last := make(chan signaling.Type, ice+1)
	conn.Start(Handler{OnMessage: func(data []byte) { last <- signaling.PeekType(data) }})

	waitAccounted(t, m, ice+1)
	if got := m.Get(metrics.SignalingDropRateLimit); got != 0 {
		t.Fatalf("rate limited=%d, want 0", got)
	}
	var got signaling.Type
	for i := 0; i < ice+1; i++ {
		got = <-last
	}
	if got != signaling.TypeOffer {
		t.Fatalf("last frame type=%q, want offer", got)
	}
}

func TestConn_AnswersPingsAndSendsOwn(t *testing.T) {
	pings := make(chan struct{}, 1)
	url := startRelay(t, func(c *websocket.Conn) {
		c.SetPingHandler(func(string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return nil
		})
		_, _, _ = c.ReadMessage()
	})

	cfg := quietConfig(nil)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.IdleTimeout = time.Second
	conn, err := NewDialer(cfg).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Start(Handler{})

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client ping")
	}
}

func TestDial_FailsForRejectedHandshake(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := NewDialer(quietConfig(nil)).Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"))
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("err=%v, want status in message", err)
	}
}
