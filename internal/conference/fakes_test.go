package conference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/setup"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSetup struct {
	mu        sync.Mutex
	verifyErr error
	session   setup.Session
	err       error
	created   []setup.CreateRequest
	connected []string
}

func (s *fakeSetup) VerifySocket(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyErr
}

func (s *fakeSetup) CreateSession(ctx context.Context, req setup.CreateRequest) (setup.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	return s.session, s.err
}

func (s *fakeSetup) ConnectSession(ctx context.Context, socket string, creds setup.Credentials) (setup.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, socket)
	return s.session, s.err
}

func (s *fakeSetup) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fakeTransport struct {
	mu      sync.Mutex
	open    bool
	closes  int
	handler transport.Handler
	sent    []signaling.Message
}

func (t *fakeTransport) Start(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *fakeTransport) Send(msg signaling.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return transport.ErrClosed
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.open = false
	t.closes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) messages() []signaling.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.Message(nil), t.sent...)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// deliver feeds raw through the handler installed by Start, the way the read
// pump does.
func (t *fakeTransport) deliver(raw []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h.OnMessage(raw)
}

// dropByRelay simulates the relay closing the channel.
func (t *fakeTransport) dropByRelay(err error) {
	t.mu.Lock()
	t.open = false
	h := t.handler
	t.mu.Unlock()
	h.OnClose(err)
}

// sentOf returns the sent messages of type T that satisfy match.
func sentOf[T signaling.Message](tr *fakeTransport, match func(T) bool) []T {
	var out []T
	for _, m := range tr.messages() {
		if v, ok := m.(T); ok && (match == nil || match(v)) {
			out = append(out, v)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	urls  []string
	conns []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	tr := &fakeTransport{open: true}
	d.conns = append(d.conns, tr)
	return tr, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeLink struct {
	id    string
	ev    LinkEvents
	local *media.Local

	// gate, when set, blocks CreateOffer until closed.
	gate <-chan struct{}

	mu         sync.Mutex
	offerErr   error
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closes     int
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offerErr != nil {
		return webrtc.SessionDescription{}, l.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer for " + l.id}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer for " + l.id}, nil
}

func (l *fakeLink) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = append(l.remote, desc)
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

func (l *fakeLink) remotes() []webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), l.remote...)
}

func (l *fakeLink) remoteCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), l.candidates...)
}

type fakeLinks struct {
	mu       sync.Mutex
	offerErr map[string]error
	gates    map[string]chan struct{}
	links    map[string][]*fakeLink
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		offerErr: map[string]error{},
		gates:    map[string]chan struct{}{},
		links:    map[string][]*fakeLink{},
	}
}

func (f *fakeLinks) NewLink(participantID string, local *media.Local, ev LinkEvents) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{id: participantID, ev: ev, local: local, offerErr: f.offerErr[participantID]}
	if g, ok := f.gates[participantID]; ok {
		l.gate = g
	}
	f.links[participantID] = append(f.links[participantID], l)
	return l, nil
}

func (f *fakeLinks) created(participantID string) []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links[participantID]...)
}

// countingSource hands out Local handles and tracks how many are live.
type countingSource struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int

	// When gate is set Acquire signals entered and blocks until gate closes.
	entered chan struct{}
	gate    chan struct{}
}

func (s *countingSource) Acquire(ctx context.Context) (*media.Local, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++
	return media.NewLocal(fmt.Sprintf("local-%d", s.acquired), nil, func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}), nil
}

func (s *countingSource) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired - s.released
}

type stubTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t stubTrack) ID() string                { return t.id }
func (t stubTrack) StreamID() string          { return "remote" }
func (t stubTrack) Kind() webrtc.RTPCodecType { return t.kind }

type transition struct{ from, to State }

type recorder struct {
	mu          sync.Mutex
	left        []string
	streams     map[string]*media.RemoteStream
	streamCalls int
	transitions []transition
}

func newRecorder() *recorder {
	return &recorder{streams: map[string]*media.RemoteStream{}}
}

func (r *recorder) listener() ListenerFuncs {
	return ListenerFuncs{
		ParticipantLeft: func(id string) {
			r.mu.Lock()
			r.left = append(r.left, id)
			r.mu.Unlock()
		},
		RemoteStream: func(id string, s *media.RemoteStream) {
			r.mu.Lock()
			r.streams[id] = s
			r.streamCalls++
			r.mu.Unlock()
		},
		StateChange: func(from, to State) {
			r.mu.Lock()
			r.transitions = append(r.transitions, transition{from, to})
			r.mu.Unlock()
		},
	}
}

func (r *recorder) leftIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.left...)
}

func (r *recorder) stream(id string) (*media.RemoteStream, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id], r.streamCalls
}

func (r *recorder) seen() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

type harness struct {
	c       *Conference
	setup   *fakeSetup
	dialer  *fakeDialer
	links   *fakeLinks
	media   *countingSource
	metrics *metrics.Metrics
	events  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		setup:   &fakeSetup{session: setup.Session{Title: "standup", Socket: "wss://relay.test/s/room-1"}},
		dialer:  &fakeDialer{},
		links:   newFakeLinks(),
		media:   &countingSource{},
		metrics: metrics.New(),
		events:  newRecorder(),
	}
	c, err := New("room-1", Options{
		Setup:    h.setup,
		Dialer:   h.dialer,
		Media:    h.media,
		Links:    h.links,
		Listener: h.events.listener(),
		Logger:   quietLogger(),
		Metrics:  h.metrics,
	})
	if err != nil {
		t.Fatalf("new conference: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	return h
}

// join logs in and joins, returning the signaling channel.
func (h *harness) join(t *testing.T) *fakeTransport {
	t.Helper()
	ctx := context.Background()
	if err := h.c.JoinExistingSession(ctx, setup.Credentials{Host: "ana", Password: "pw"}); err != nil {
		t.Fatalf("join existing session: %v", err)
	}
	if err := h.c.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr := h.dialer.last()
	if tr == nil {
		t.Fatalf("no transport dialed")
	}
	return tr
}

func (h *harness) deliver(t *testing.T, msg signaling.Message) error {
	t.Helper()
	raw, err := signaling.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	return h.c.Dispatch(context.Background(), raw)
}

// becomeInitiator marks this client as initiator and clears the start_call
// it sends in response.
func (h *harness) becomeInitiator(t *testing.T) {
	t.Helper()
	if err := h.deliver(t, signaling.SessionJoined{Initiator: true}); err != nil {
		t.Fatalf("session_joined: %v", err)
	}
}

func offerFrom(from, to string) signaling.Offer {
	return signaling.Offer{
		UserID:      from,
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer from " + from},
		To:          to,
	}
}
