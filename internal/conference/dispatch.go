package conference

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/vidconf/internal/signaling"
)

// dispatch handles one inbound frame on the loop. Everything but a decode
// failure is absorbed here: per-participant problems are logged and counted.
func (c *Conference) dispatch(raw []byte) error {
	msg, err := signaling.Decode(raw)
	if err != nil {
		c.metrics.Inc(metrics.SignalingProtocolError)
		c.log.Warn("dropping undecodable signaling frame", "err", err)
		return err
	}
	if st := c.currentState(); st != StateJoined {
		c.metrics.Inc(metrics.SignalingIgnored)
		c.log.Debug("ignoring signaling message", "type", string(msg.Type()), "state", st.String())
		return nil
	}

	c.markSeen(msg)

	switch m := msg.(type) {
	case signaling.SessionJoined:
		c.onSessionJoined(m)
	case signaling.StartCall:
		c.onStartCall(m)
	case signaling.Offer:
		c.onOffer(m)
	case signaling.Answer:
		c.onAnswer(m)
	case signaling.ICE:
		c.onICE(m)
	case signaling.Disconnect:
		c.onDisconnect(m)
	case signaling.Connect:
		c.log.Debug("ignoring connect", "remote_id", m.UserID)
	default:
		c.metrics.Inc(metrics.SignalingProtocolError)
		return &signaling.ProtocolError{Type: msg.Type(), Err: signaling.ErrUnknownType}
	}
	return nil
}

// markSeen forgets an earlier departure once the participant sends anything
// other than a disconnect. The relay delivers each sender's frames in order,
// so such a frame means the participant is back.
func (c *Conference) markSeen(msg signaling.Message) {
	var from string
	switch m := msg.(type) {
	case signaling.StartCall:
		from = m.UserID
	case signaling.Offer:
		from = m.UserID
	case signaling.Answer:
		from = m.UserID
	case signaling.ICE:
		from = m.UserID
	case signaling.Connect:
		from = m.UserID
	}
	if from != "" && from != c.selfID {
		delete(c.departed, from)
	}
}

func (c *Conference) onSessionJoined(m signaling.SessionJoined) {
	if m.Initiator {
		c.initiator = true
	}
	c.log.Info("session joined", "initiator", c.initiator)
	c.send(signaling.StartCall{UserID: c.selfID})
}

func (c *Conference) onStartCall(m signaling.StartCall) {
	if m.UserID == c.selfID {
		return
	}
	if !c.initiator {
		c.log.Debug("ignoring start_call; not initiator", "remote_id", m.UserID)
		return
	}
	if _, ok := c.participants[m.UserID]; ok {
		c.metrics.Inc(metrics.SignalingDuplicateStart)
		c.log.Debug("ignoring repeated start_call", "remote_id", m.UserID)
		return
	}
	p, err := c.addParticipant(m.UserID)
	if err != nil {
		return
	}
	c.negotiate(p, p.link.CreateOffer, func(desc webrtc.SessionDescription) {
		c.sendDescription(p, signaling.Offer{UserID: c.selfID, Description: desc, To: p.id})
	})
}

func (c *Conference) onOffer(m signaling.Offer) {
	if m.To != c.selfID || m.UserID == c.selfID {
		return
	}
	p, ok := c.participants[m.UserID]
	if !ok {
		var err error
		if p, err = c.addParticipant(m.UserID); err != nil {
			return
		}
	}
	offer := m.Description
	c.negotiate(p, func() (webrtc.SessionDescription, error) {
		if err := p.link.ApplyRemoteDescription(offer); err != nil {
			return webrtc.SessionDescription{}, err
		}
		return p.link.CreateAnswer()
	}, func(desc webrtc.SessionDescription) {
		c.sendDescription(p, signaling.Answer{UserID: c.selfID, Description: desc, To: p.id})
	})
}

func (c *Conference) onAnswer(m signaling.Answer) {
	if m.To != c.selfID {
		return
	}
	p, ok := c.participants[m.UserID]
	if !ok {
		c.metrics.Inc(metrics.SignalingOrphanAnswer)
		c.log.Warn("answer for unknown participant", "remote_id", m.UserID)
		return
	}
	answer := m.Description
	c.negotiate(p, func() (webrtc.SessionDescription, error) {
		return answer, p.link.ApplyRemoteDescription(answer)
	}, func(webrtc.SessionDescription) {
		c.log.Debug("answer applied", "remote_id", p.id)
	})
}

func (c *Conference) onICE(m signaling.ICE) {
	if m.Candidate == nil || m.UserID == c.selfID {
		return
	}
	p, ok := c.participants[m.UserID]
	if !ok {
		c.metrics.Inc(metrics.SignalingOrphanICE)
		c.log.Debug("dropping ice candidate for unknown participant", "remote_id", m.UserID)
		return
	}
	c.addCandidate(p, *m.Candidate)
}

func (c *Conference) onDisconnect(m signaling.Disconnect) {
	if m.UserID == c.selfID {
		return
	}
	if _, gone := c.departed[m.UserID]; gone {
		c.metrics.Inc(metrics.SignalingDuplicateLeave)
		c.log.Debug("ignoring repeated disconnect", "remote_id", m.UserID)
		return
	}
	c.departed[m.UserID] = struct{}{}
	if p, ok := c.participants[m.UserID]; ok {
		c.removeParticipant(p)
	}
	c.metrics.Inc(metrics.ParticipantLeft)
	c.log.Info("participant left", "remote_id", m.UserID)
	id := m.UserID
	c.emit(func(l Listener) { l.OnParticipantLeft(id) })
}
