// Package peerlink wraps one pion PeerConnection to one remote participant:
// offer/answer creation, remote description and candidate application, and
// teardown.
package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// LocalTracks are attached to the connection at creation time.
	LocalTracks []webrtc.TrackLocal
	Logger      *slog.Logger
}

type Link struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	negotiating bool
	remote      *webrtc.SessionDescription
	pending     []webrtc.ICECandidateInit

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func New(api *webrtc.API, cfg Config) (*Link, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peerlink: new peer connection: %w", err)
	}
	l := &Link{pc: pc, log: logger}

	for _, track := range cfg.LocalTracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("peerlink: add %s track %q: %w", track.Kind(), track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return l, nil
}

// drainRTCP keeps the sender's interceptors (NACK, reports) running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	return l.negotiate("create_offer", func() (webrtc.SessionDescription, error) {
		return l.pc.CreateOffer(nil)
	})
}

func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.negotiate("create_answer", func() (webrtc.SessionDescription, error) {
		return l.pc.CreateAnswer(nil)
	})
}

func (l *Link) negotiate(op string, create func() (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	if l.closed.Load() {
		return webrtc.SessionDescription{}, &NegotiationError{Op: op, Err: ErrClosed}
	}
	l.mu.Lock()
	if l.negotiating {
		l.mu.Unlock()
		return webrtc.SessionDescription{}, ErrNegotiationInProgress
	}
	l.negotiating = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.negotiating = false
		l.mu.Unlock()
	}()

	desc, err := create()
	if err != nil {
		return webrtc.SessionDescription{}, l.fail(op, err)
	}
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, l.fail("set_local_description", err)
	}
	return desc, nil
}

// ApplyRemoteDescription sets the remote offer or answer. Re-applying the
// description already in place is a no-op. Candidates that arrived earlier
// are added afterwards.
func (l *Link) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	const op = "set_remote_description"
	if l.closed.Load() {
		return &NegotiationError{Op: op, Err: ErrClosed}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote != nil && l.remote.Type == desc.Type && l.remote.SDP == desc.SDP {
		l.log.Debug("ignoring duplicate remote description", "sdp_type", desc.Type.String())
		return nil
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return l.fail(op, err)
	}
	l.remote = &desc

	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("failed to add buffered ice candidate", "err", err)
		}
	}
	if len(pending) > 0 {
		l.log.Debug("flushed buffered ice candidates", "count", len(pending))
	}
	return nil
}

// AddRemoteCandidate adds c, or holds it until a remote description exists.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("peerlink: add ice candidate: %w", err)
	}
	return nil
}

func (l *Link) pendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// OnICECandidate reports each locally gathered candidate. The end-of-gathering
// signal is not reported.
func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnTrack reports each remote track. The RTP stream is drained by the link.
func (l *Link) OnTrack(fn func(media.RemoteTrack)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go drainTrack(track)
		fn(track)
	})
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(fn)
}

func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

func (l *Link) Closed() bool {
	return l.closed.Load()
}

// Close releases the PeerConnection. Safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.pc.Close()
	})
	return l.closeErr
}

func (l *Link) fail(op string, err error) error {
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		err = errors.Join(ErrClosed, err)
	}
	_ = l.Close()
	return &NegotiationError{Op: op, Err: err}
}
