package peerlink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/config"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newVNetAPIs returns one API per address, all attached to a started virtual
// router.
func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apis := make([]*webrtc.API, 0, len(nets))
	for _, n := range nets {
		n := n
		api, err := NewAPI(config.Config{}, quietLogger(), func(se *webrtc.SettingEngine) {
			se.SetNet(n)
		})
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		apis = append(apis, api)
	}
	return apis
}

func newTestLink(t *testing.T, api *webrtc.API, tracks []webrtc.TrackLocal) *Link {
	t.Helper()
	l, err := New(api, Config{LocalTracks: tracks, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func waitState(t *testing.T, ch <-chan webrtc.PeerConnectionState, want webrtc.PeerConnectionState) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
			if s == webrtc.PeerConnectionStateFailed {
				t.Fatalf("connection failed while waiting for %s", want)
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestLinks_ConnectAndReceiveTracks(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")

	src := &media.TrackSource{
		Audio:      true,
		AudioCodec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		Silence:    true,
		Logger:     quietLogger(),
	}
	local, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(local.Release)

	a := newTestLink(t, apis[0], local.Tracks())
	b := newTestLink(t, apis[1], nil)

	// Candidates cross before the peer has a remote description; the link
	// buffers them.
	a.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = b.AddRemoteCandidate(c) })
	b.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = a.AddRemoteCandidate(c) })

	aState := make(chan webrtc.PeerConnectionState, 16)
	bState := make(chan webrtc.PeerConnectionState, 16)
	a.OnStateChange(func(s webrtc.PeerConnectionState) { aState <- s })
	b.OnStateChange(func(s webrtc.PeerConnectionState) { bState <- s })

	tracks := make(chan media.RemoteTrack, 1)
	b.OnTrack(func(tr media.RemoteTrack) {
		select {
		case tracks <- tr:
		default:
		}
	})

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := b.ApplyRemoteDescription(offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := a.ApplyRemoteDescription(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}

	waitState(t, aState, webrtc.PeerConnectionStateConnected)
	waitState(t, bState, webrtc.PeerConnectionStateConnected)

	select {
	case tr := <-tracks:
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			t.Fatalf("track kind=%s, want audio", tr.Kind())
		}
		if tr.StreamID() != local.StreamID() {
			t.Fatalf("track stream=%q, want %q", tr.StreamID(), local.StreamID())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for remote track")
	}
}

func TestLink_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")
	a := newTestLink(t, apis[0], nil)
	b := newTestLink(t, apis[1], nil)

	// Offer with a data section so the candidate has an m-line to attach to.
	if _, err := a.pc.CreateDataChannel("kick", nil); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	mid := "0"
	early := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host",
		SDPMid:    &mid,
	}
	if err := b.AddRemoteCandidate(early); err != nil {
		t.Fatalf("add early candidate: %v", err)
	}
	if n := b.pendingCandidates(); n != 1 {
		t.Fatalf("pending=%d, want 1", n)
	}

	if err := b.ApplyRemoteDescription(offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if n := b.pendingCandidates(); n != 0 {
		t.Fatalf("pending after remote description=%d, want 0", n)
	}
	// Same description again is accepted and changes nothing.
	if err := b.ApplyRemoteDescription(offer); err != nil {
		t.Fatalf("re-apply offer: %v", err)
	}
}

func TestLink_NegotiationInProgress(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1")
	l := newTestLink(t, apis[0], nil)

	l.mu.Lock()
	l.negotiating = true
	l.mu.Unlock()

	if _, err := l.CreateOffer(); !errors.Is(err, ErrNegotiationInProgress) {
		t.Fatalf("err=%v, want ErrNegotiationInProgress", err)
	}
	if l.Closed() {
		t.Fatalf("a concurrent negotiation must not close the link")
	}
}

func TestLink_CloseIsIdempotent(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1")
	l := newTestLink(t, apis[0], nil)

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !l.Closed() {
		t.Fatalf("expected closed")
	}

	_, err := l.CreateOffer()
	var negErr *NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("err=%v, want *NegotiationError", err)
	}
	if negErr.Op != "create_offer" || !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want create_offer wrapping ErrClosed", err)
	}
	if err := l.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("apply after close err=%v, want ErrClosed", err)
	}
	if err := l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("candidate after close err=%v, want ErrClosed", err)
	}
}

func TestLink_BadRemoteDescriptionClosesLink(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1")
	l := newTestLink(t, apis[0], nil)

	err := l.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "not sdp"})
	var negErr *NegotiationError
	if !errors.As(err, &negErr) || negErr.Op != "set_remote_description" {
		t.Fatalf("err=%v, want set_remote_description NegotiationError", err)
	}
	if !l.Closed() {
		t.Fatalf("expected link closed after failed negotiation")
	}
}

func TestNewAPI_RejectsBadCandidateType(t *testing.T) {
	_, err := NewAPI(config.Config{
		WebRTCNAT1To1IPs:             []string{"203.0.113.1"},
		WebRTCNAT1To1IPCandidateType: "relay",
	}, quietLogger())
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSlogLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewSlogLoggerFactory(logger).NewLogger("ice")
	l.Tracef("hidden %d", 1)
	l.Infof("gathered %d candidates", 3)
	l.Warn("slow")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("trace output leaked at debug level: %s", out)
	}
	if !strings.Contains(out, "gathered 3 candidates") || !strings.Contains(out, "pion_scope=ice") {
		t.Fatalf("missing info record: %s", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("missing warn record: %s", out)
	}
}
