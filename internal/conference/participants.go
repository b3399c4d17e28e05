package conference

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/peerlink"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
)

// participant is the arena entry for one remote participant. A removed entry
// is never reused; a returning participant gets a fresh one.
type participant struct {
	id     string
	link   PeerLink
	stream *media.RemoteStream
	// ops serializes blocking link calls off the loop.
	ops *taskQueue

	// Local candidates are held until our first description has been sent, so
	// the peer never sees a candidate for a link it does not have yet.
	described bool
	held      []webrtc.ICECandidateInit
}

func (c *Conference) current(p *participant) bool {
	return c.participants[p.id] == p
}

func (c *Conference) addParticipant(id string) (*participant, error) {
	p := &participant{
		id:     id,
		stream: media.NewRemoteStream(id),
		ops:    newTaskQueue(),
	}
	link, err := c.links.NewLink(id, c.local, LinkEvents{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() {
				if !c.current(p) {
					return
				}
				if !p.described {
					p.held = append(p.held, cand)
					return
				}
				c.send(signaling.ICE{UserID: c.selfID, Candidate: &cand})
			})
		},
		OnTrack: func(track media.RemoteTrack) {
			c.post(func() {
				if !c.current(p) {
					return
				}
				p.stream.Replace(track)
				c.metrics.Inc(metrics.RemoteTrackReceived)
				c.log.Info("remote track received", "remote_id", p.id, "track_id", track.ID(), "kind", track.Kind().String())
				id, stream := p.id, p.stream
				c.emit(func(l Listener) { l.OnRemoteStream(id, stream) })
			})
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			c.post(func() {
				if !c.current(p) {
					return
				}
				c.log.Debug("peer link state changed", "remote_id", p.id, "state", s.String())
				if s == webrtc.PeerConnectionStateFailed {
					c.metrics.Inc(metrics.PeerLinkStateFailed)
					c.log.Warn("peer link failed", "remote_id", p.id)
				}
			})
		},
	})
	if err != nil {
		c.metrics.Inc(metrics.PeerLinkCreateFailed)
		c.log.Warn("failed to create peer link", "remote_id", id, "err", err)
		return nil, err
	}
	p.link = link
	c.participants[id] = p
	delete(c.departed, id)
	go p.ops.run()
	c.metrics.Inc(metrics.PeerLinkCreated)
	c.log.Info("peer link created", "remote_id", id)
	return p, nil
}

// sendDescription signals an offer or answer for p, then any candidates
// gathered while it was being created.
func (c *Conference) sendDescription(p *participant, msg signaling.Message) {
	c.send(msg)
	if p.described {
		return
	}
	p.described = true
	held := p.held
	p.held = nil
	for i := range held {
		c.send(signaling.ICE{UserID: c.selfID, Candidate: &held[i]})
	}
}

func (c *Conference) removeParticipant(p *participant) {
	if c.current(p) {
		delete(c.participants, p.id)
	}
	p.ops.Close()
	p.stream.Clear()
	if err := p.link.Close(); err != nil {
		c.log.Debug("peer link close", "remote_id", p.id, "err", err)
	}
	c.metrics.Inc(metrics.PeerLinkClosed)
	c.log.Info("peer link closed", "remote_id", p.id)
}

// negotiate runs step on p's op queue and hands the result back to the loop.
// Results for a participant that was removed meanwhile are discarded.
func (c *Conference) negotiate(p *participant, step func() (webrtc.SessionDescription, error), next func(webrtc.SessionDescription)) {
	p.ops.Push(func() {
		desc, err := step()
		c.post(func() {
			if !c.current(p) {
				c.metrics.Inc(metrics.NegotiationStale)
				return
			}
			if err != nil {
				c.negotiationFailed(p, err)
				return
			}
			next(desc)
		})
	})
}

// negotiationFailed drops a participant whose link was torn down by the
// failure. Other participants are unaffected.
func (c *Conference) negotiationFailed(p *participant, err error) {
	c.metrics.Inc(metrics.NegotiationFailed)
	var negErr *peerlink.NegotiationError
	if errors.As(err, &negErr) {
		c.log.Warn("negotiation failed; dropping participant", "remote_id", p.id, "op", negErr.Op, "err", err)
		c.removeParticipant(p)
		return
	}
	c.log.Warn("negotiation step failed", "remote_id", p.id, "err", err)
}

func (c *Conference) addCandidate(p *participant, cand webrtc.ICECandidateInit) {
	p.ops.Push(func() {
		if err := p.link.AddRemoteCandidate(cand); err != nil {
			c.post(func() {
				c.metrics.Inc(metrics.ICECandidateFailed)
				c.log.Warn("failed to add remote ice candidate", "remote_id", p.id, "err", err)
			})
		}
	})
}
