// Package conference runs one participant's side of a mesh call: session setup,
// the signaling channel, and one peer link per remote participant.
//
// All call state is owned by a single event loop goroutine. Public methods
// post closures to the loop and wait for them; work that blocks (HTTP, media
// acquisition, dialing, SDP creation) runs elsewhere and posts its result
// back.
package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/setup"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/transport"
)

type Options struct {
	Setup  SessionSetup
	Dialer Dialer
	Media  media.Source
	Links  LinkFactory

	// Listener defaults to LogListener.
	Listener Listener
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Conference struct {
	id     string
	selfID string

	setup    SessionSetup
	dialer   Dialer
	media    media.Source
	links    LinkFactory
	listener Listener
	log      *slog.Logger
	metrics  *metrics.Metrics

	loop    *taskQueue
	notify  *taskQueue
	stopped chan struct{}

	state     atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Owned by the loop.
	relayAddr    string
	title        string
	initiator    bool
	transport    Transport
	local        *media.Local
	participants map[string]*participant
	departed     map[string]struct{}
	joinGen      uint64
}

func New(conferenceID string, opts Options) (*Conference, error) {
	if conferenceID == "" {
		return nil, errors.New("conference: empty conference id")
	}
	if opts.Setup == nil {
		return nil, errors.New("conference: Setup is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("conference: Dialer is required")
	}
	if opts.Media == nil {
		return nil, errors.New("conference: Media is required")
	}
	if opts.Links == nil {
		return nil, errors.New("conference: Links is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listener := opts.Listener
	if listener == nil {
		listener = LogListener{Logger: logger}
	}

	selfID := uuid.NewString()
	c := &Conference{
		id:           conferenceID,
		selfID:       selfID,
		setup:        opts.Setup,
		dialer:       opts.Dialer,
		media:        opts.Media,
		links:        opts.Links,
		listener:     listener,
		log:          logger.With("conference_id", conferenceID, "participant_id", selfID),
		metrics:      opts.Metrics,
		loop:         newTaskQueue(),
		notify:       newTaskQueue(),
		stopped:      make(chan struct{}),
		participants: make(map[string]*participant),
		departed:     make(map[string]struct{}),
	}
	go func() {
		defer close(c.stopped)
		c.loop.run()
	}()
	go c.notify.run()
	return c, nil
}

// do runs fn on the loop and waits for its result.
func (c *Conference) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !c.loop.Push(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.stopped:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply runs a state-changing fn on the loop. ctx is only checked before fn
// is queued. Once queued, fn runs to completion and its result is returned.
func (c *Conference) apply(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.do(context.Background(), fn)
}

// post queues fn on the loop without waiting. It is a no-op once closed.
func (c *Conference) post(fn func()) {
	c.loop.Push(fn)
}

// emit queues a listener call. Listener calls never run on the loop.
func (c *Conference) emit(fn func(Listener)) {
	l := c.listener
	c.notify.Push(func() { fn(l) })
}

func (c *Conference) currentState() State {
	return State(c.state.Load())
}

// setState applies a transition on the loop. Illegal edges are logged and
// dropped.
func (c *Conference) setState(to State) {
	from := c.currentState()
	if from == to {
		return
	}
	if !validTransition(from, to) {
		c.log.Error("illegal state transition", "from", from.String(), "to", to.String())
		return
	}
	c.state.Store(int32(to))
	c.log.Info("call state changed", "from", from.String(), "to", to.String())
	if sl, ok := c.listener.(StateListener); ok {
		c.notify.Push(func() { sl.OnStateChange(from, to) })
	}
}

// VerifyIdentity checks the conference id with the setup service. On success
// an INVALID call becomes VALID_URL.
func (c *Conference) VerifyIdentity(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.setup.VerifySocket(ctx, c.id); err != nil {
		c.metrics.Inc(metrics.SessionVerifyFailed)
		c.log.Warn("conference id rejected by setup service", "err", err)
		return &InvalidTargetError{ConferenceID: c.id, Err: err}
	}
	return c.apply(ctx, func() error {
		if c.currentState() == StateInvalid {
			c.setState(StateValidURL)
		}
		return nil
	})
}

// EstablishSession creates a new session and records its relay address.
func (c *Conference) EstablishSession(ctx context.Context, req setup.CreateRequest) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() == StateJoined {
		return ErrAlreadyJoined
	}
	sess, err := c.setup.CreateSession(ctx, req)
	return c.do(context.Background(), func() error {
		return c.finishLogin("create_session", sess, err)
	})
}

// JoinExistingSession exchanges credentials for the relay address of the
// session named by the conference id.
func (c *Conference) JoinExistingSession(ctx context.Context, creds setup.Credentials) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() == StateJoined {
		return ErrAlreadyJoined
	}
	sess, err := c.setup.ConnectSession(ctx, c.id, creds)
	return c.do(context.Background(), func() error {
		return c.finishLogin("connect_session", sess, err)
	})
}

func (c *Conference) finishLogin(op string, sess setup.Session, err error) error {
	if c.currentState() == StateJoined {
		return ErrAlreadyJoined
	}
	if err == nil && sess.Socket == "" {
		err = ErrNoRelayAddress
	}
	if err != nil {
		c.metrics.Inc(metrics.SessionEstablishFailed)
		c.log.Warn("session setup failed", "op", op, "err", err)
		c.setState(StateInvalid)
		return &SessionEstablishError{Op: op, Err: err}
	}
	c.relayAddr = sess.Socket
	if sess.Title != "" {
		c.title = sess.Title
	}
	c.setState(StateLogged)
	return nil
}

// Join enters the call. From LOGGED it acquires local media, opens the
// signaling channel and announces this participant. From JOINED it leaves.
// In any other state it does nothing.
func (c *Conference) Join(ctx context.Context) error {
	var (
		start bool
		gen   uint64
		addr  string
	)
	err := c.apply(ctx, func() error {
		switch st := c.currentState(); st {
		case StateLogged:
			c.joinGen++
			gen, addr, start = c.joinGen, c.relayAddr, true
			c.setState(StateJoined)
		case StateJoined:
			c.log.Info("join requested while joined; leaving")
			c.leaveOnLoop()
		default:
			c.log.Warn("join ignored; no session", "state", st.String())
		}
		return nil
	})
	if err != nil || !start {
		return err
	}
	if err := ctx.Err(); err != nil {
		c.abortJoin(gen, nil, err)
		return err
	}

	local, err := c.media.Acquire(ctx)
	if err != nil {
		c.abortJoin(gen, nil, err)
		return fmt.Errorf("conference: acquire local media: %w", err)
	}
	conn, err := c.dialer.Dial(ctx, addr)
	if err != nil {
		c.abortJoin(gen, local, err)
		return fmt.Errorf("conference: dial relay: %w", err)
	}

	err = c.do(context.Background(), func() error {
		if gen != c.joinGen || c.currentState() != StateJoined {
			_ = conn.Close()
			local.Release()
			return ErrJoinAborted
		}
		c.local = local
		c.transport = conn
		conn.Start(transport.Handler{
			OnMessage: func(raw []byte) {
				c.post(func() {
					if c.transport != conn {
						return
					}
					_ = c.dispatch(raw)
				})
			},
			OnClose: func(err error) {
				c.post(func() { c.onTransportClosed(conn, err) })
			},
		})
		c.send(signaling.Connect{UserID: c.selfID})
		return nil
	})
	if errors.Is(err, ErrClosed) {
		_ = conn.Close()
		local.Release()
	}
	return err
}

func (c *Conference) abortJoin(gen uint64, local *media.Local, cause error) {
	c.metrics.Inc(metrics.JoinFailed)
	c.log.Warn("join failed", "err", cause)
	if local != nil {
		local.Release()
	}
	_ = c.do(context.Background(), func() error {
		if gen == c.joinGen && c.currentState() == StateJoined {
			c.setState(StateLogged)
		}
		return nil
	})
}

// Leave exits the call. It is safe to call in any state and more than once.
func (c *Conference) Leave(ctx context.Context) error {
	return c.apply(ctx, func() error {
		c.leaveOnLoop()
		return nil
	})
}

func (c *Conference) leaveOnLoop() {
	if c.transport != nil && c.transport.IsOpen() {
		if err := c.transport.Send(signaling.Disconnect{UserID: c.selfID}); err != nil {
			c.log.Debug("disconnect not delivered", "err", err)
		}
	}
	for _, p := range c.participants {
		c.removeParticipant(p)
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	if c.local != nil {
		c.local.Release()
		c.local = nil
	}
	c.initiator = false
	clear(c.departed)
	if c.currentState() == StateJoined {
		c.joinGen++
		c.setState(StateLogged)
	}
}

func (c *Conference) onTransportClosed(conn Transport, err error) {
	if c.transport != conn {
		return
	}
	c.metrics.Inc(metrics.TransportClosed)
	c.log.Warn("signaling channel closed by relay", "err", err)
	c.transport = nil
}

// send writes msg to the signaling channel. Failures are logged and counted;
// there is no retry.
func (c *Conference) send(msg signaling.Message) {
	if c.transport == nil {
		c.metrics.Inc(metrics.SignalingSendFailed)
		c.log.Debug("no signaling channel; dropping message", "type", string(msg.Type()))
		return
	}
	if err := c.transport.Send(msg); err != nil {
		c.log.Warn("signaling send failed", "type", string(msg.Type()), "err", err)
	}
}

// Dispatch decodes and handles one inbound signaling frame. Frames that cannot
// be decoded return *signaling.ProtocolError and leave the call untouched.
func (c *Conference) Dispatch(ctx context.Context, raw []byte) error {
	return c.apply(ctx, func() error { return c.dispatch(raw) })
}

func (c *Conference) State() State {
	return c.currentState()
}

// ParticipantID is this participant's id, fixed for the lifetime of the
// Conference.
func (c *Conference) ParticipantID() string {
	return c.selfID
}

func (c *Conference) ConferenceID() string {
	return c.id
}

func (c *Conference) Title() string {
	var title string
	_ = c.do(context.Background(), func() error {
		title = c.title
		return nil
	})
	return title
}

// Participants returns the ids of remote participants with a live link,
// sorted.
func (c *Conference) Participants() []string {
	var ids []string
	_ = c.do(context.Background(), func() error {
		ids = c.participantIDs()
		return nil
	})
	return ids
}

func (c *Conference) participantIDs() []string {
	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Snapshot struct {
	ConferenceID  string                `json:"conference_id"`
	ParticipantID string                `json:"participant_id"`
	Title         string                `json:"title,omitempty"`
	State         string                `json:"state"`
	Initiator     bool                  `json:"initiator"`
	TransportOpen bool                  `json:"transport_open"`
	LocalMedia    bool                  `json:"local_media"`
	Participants  []ParticipantSnapshot `json:"participants"`
}

type ParticipantSnapshot struct {
	ID     string `json:"id"`
	Tracks int    `json:"tracks"`
}

// Snapshot reports the call state for diagnostics.
func (c *Conference) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = Snapshot{
			ConferenceID:  c.id,
			ParticipantID: c.selfID,
			Title:         c.title,
			State:         c.currentState().String(),
			Initiator:     c.initiator,
			TransportOpen: c.transport != nil && c.transport.IsOpen(),
			LocalMedia:    c.local != nil,
			Participants:  make([]ParticipantSnapshot, 0, len(c.participants)),
		}
		for _, id := range c.participantIDs() {
			snap.Participants = append(snap.Participants, ParticipantSnapshot{
				ID:     id,
				Tracks: len(c.participants[id].stream.Tracks()),
			})
		}
		return nil
	})
	return snap, err
}

// Close leaves the call and stops the event loop. Listener calls already
// queued are still delivered.
func (c *Conference) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.do(context.Background(), func() error {
			c.leaveOnLoop()
			return nil
		})
		c.closed.Store(true)
		c.loop.Close()
		<-c.stopped
		c.notify.Push(c.notify.Close)
	})
	return c.closeErr
}
