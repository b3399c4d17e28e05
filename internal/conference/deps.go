package conference

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/peerlink"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/setup"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/transport"
)

// SessionSetup is the HTTP session service. *setup.Client satisfies it.
type SessionSetup interface {
	VerifySocket(ctx context.Context, target string) error
	CreateSession(ctx context.Context, req setup.CreateRequest) (setup.Session, error)
	ConnectSession(ctx context.Context, socket string, creds setup.Credentials) (setup.Session, error)
}

// Transport is an open signaling channel. *transport.Conn satisfies it.
type Transport interface {
	Start(h transport.Handler)
	Send(msg signaling.Message) error
	IsOpen() bool
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

type DialerFunc func(ctx context.Context, url string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) { return f(ctx, url) }

// WebSocketDialer adapts a transport.Dialer.
func WebSocketDialer(d *transport.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, url string) (Transport, error) {
		conn, err := d.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// PeerLink is one negotiated connection to a remote participant.
// *peerlink.Link satisfies it.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// LinkEvents are the callbacks a LinkFactory wires into a new link. They may
// be invoked from any goroutine.
type LinkEvents struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnTrack        func(media.RemoteTrack)
	OnStateChange  func(webrtc.PeerConnectionState)
}

type LinkFactory interface {
	NewLink(participantID string, local *media.Local, ev LinkEvents) (PeerLink, error)
}

// PionLinkFactory builds peerlink.Links from a shared API.
type PionLinkFactory struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// ICEServersFunc, when set, replaces ICEServers and is consulted for every
	// new link so short-lived TURN credentials stay current.
	ICEServersFunc func() []webrtc.ICEServer
	Logger         *slog.Logger
}

func (f PionLinkFactory) NewLink(participantID string, local *media.Local, ev LinkEvents) (PeerLink, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var tracks []webrtc.TrackLocal
	if local != nil {
		tracks = local.Tracks()
	}
	servers := f.ICEServers
	if f.ICEServersFunc != nil {
		servers = f.ICEServersFunc()
	}
	l, err := peerlink.New(f.API, peerlink.Config{
		ICEServers:  servers,
		LocalTracks: tracks,
		Logger:      logger.With("participant_id", participantID),
	})
	if err != nil {
		return nil, err
	}
	if ev.OnICECandidate != nil {
		l.OnICECandidate(ev.OnICECandidate)
	}
	if ev.OnTrack != nil {
		l.OnTrack(ev.OnTrack)
	}
	if ev.OnStateChange != nil {
		l.OnStateChange(ev.OnStateChange)
	}
	return l, nil
}
