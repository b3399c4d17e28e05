package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type is the value of the "type" field carried by every signaling frame.
type Type string

const (
	TypeConnect       Type = "connect"
	TypeSessionJoined Type = "session_joined"
	TypeStartCall     Type = "start_call"
	TypeOffer         Type = "offer"
	TypeAnswer        Type = "answer"
	TypeICE           Type = "ice"
	TypeDisconnect    Type = "disconnect"
)

// Handshake reports whether frames of this type drive call setup or teardown.
// Losing one leaves a pair of participants unable to negotiate.
func (t Type) Handshake() bool {
	switch t {
	case TypeConnect, TypeSessionJoined, TypeStartCall, TypeOffer, TypeAnswer, TypeDisconnect:
		return true
	}
	return false
}

// PeekType reads only the "type" field of a frame. It returns "" when data is
// not a JSON object.
func PeekType(data []byte) Type {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}

// Message is one decoded signaling frame.
//
// The set of implementations is closed: Connect, SessionJoined, StartCall,
// Offer, Answer, ICE and Disconnect. Callers switch on the concrete type.
type Message interface {
	Type() Type
	isMessage()
}

// Connect announces this participant to the relay once the channel is open.
type Connect struct {
	UserID string
}

// SessionJoined acknowledges a connect. Initiator is set for the participant
// that originates offers.
type SessionJoined struct {
	Initiator bool
}

// StartCall asks the initiator to open a link to UserID.
type StartCall struct {
	UserID string
}

// Offer carries an SDP offer from UserID addressed to To.
type Offer struct {
	UserID      string
	Description webrtc.SessionDescription
	To          string
}

// Answer carries an SDP answer from UserID addressed to To.
type Answer struct {
	UserID      string
	Description webrtc.SessionDescription
	To          string
}

// ICE carries a trickled candidate from UserID. Candidate is nil when the
// frame had no candidate payload.
type ICE struct {
	UserID    string
	Candidate *webrtc.ICECandidateInit
}

// Disconnect reports that UserID left the call.
type Disconnect struct {
	UserID string
}

func (Connect) Type() Type       { return TypeConnect }
func (SessionJoined) Type() Type { return TypeSessionJoined }
func (StartCall) Type() Type     { return TypeStartCall }
func (Offer) Type() Type         { return TypeOffer }
func (Answer) Type() Type        { return TypeAnswer }
func (ICE) Type() Type           { return TypeICE }
func (Disconnect) Type() Type    { return TypeDisconnect }

func (Connect) isMessage()       {}
func (SessionJoined) isMessage() {}
func (StartCall) isMessage()     {}
func (Offer) isMessage()         {}
func (Answer) isMessage()        {}
func (ICE) isMessage()           {}
func (Disconnect) isMessage()    {}

// wireMessage is the JSON envelope shared by every frame. description and
// candidate are themselves JSON documents encoded as strings.
type wireMessage struct {
	Type        Type   `json:"type"`
	UserID      string `json:"userID,omitempty"`
	Initiator   *bool  `json:"initiator,omitempty"`
	Description string `json:"description,omitempty"`
	Candidate   string `json:"candidate,omitempty"`
	To          string `json:"to,omitempty"`
}

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sdpFromPion(desc webrtc.SessionDescription) sdp {
	return sdp{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s sdp) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) candidate {
	return candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Encode renders msg as a JSON text frame.
func Encode(msg Message) ([]byte, error) {
	var w wireMessage
	switch m := msg.(type) {
	case Connect:
		w = wireMessage{Type: TypeConnect, UserID: m.UserID}
	case SessionJoined:
		w = wireMessage{Type: TypeSessionJoined}
		if m.Initiator {
			w.Initiator = ptr(true)
		}
	case StartCall:
		w = wireMessage{Type: TypeStartCall, UserID: m.UserID}
	case Offer:
		desc, err := encodeDescription(m.Description, webrtc.SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		w = wireMessage{Type: TypeOffer, UserID: m.UserID, Description: desc, To: m.To}
	case Answer:
		desc, err := encodeDescription(m.Description, webrtc.SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		w = wireMessage{Type: TypeAnswer, UserID: m.UserID, Description: desc, To: m.To}
	case ICE:
		w = wireMessage{Type: TypeICE, UserID: m.UserID}
		if m.Candidate != nil {
			b, err := json.Marshal(candidateFromPion(*m.Candidate))
			if err != nil {
				return nil, err
			}
			w.Candidate = string(b)
		}
	case Disconnect:
		w = wireMessage{Type: TypeDisconnect, UserID: m.UserID}
	default:
		return nil, fmt.Errorf("signaling: cannot encode %T", msg)
	}
	return json.Marshal(w)
}

func encodeDescription(desc webrtc.SessionDescription, want webrtc.SDPType) (string, error) {
	if desc.Type != want {
		return "", fmt.Errorf("signaling: %s message carries sdp type %q", want, desc.Type)
	}
	b, err := json.Marshal(sdpFromPion(desc))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses one inbound frame. Unknown types and malformed payloads are
// reported as *ProtocolError.
//
// Unknown JSON fields are tolerated because relays are free to annotate frames.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch w.Type {
	case TypeConnect:
		if err := requireUserID(w); err != nil {
			return nil, err
		}
		return Connect{UserID: w.UserID}, nil
	case TypeSessionJoined:
		return SessionJoined{Initiator: w.Initiator != nil && *w.Initiator}, nil
	case TypeStartCall:
		if err := requireUserID(w); err != nil {
			return nil, err
		}
		return StartCall{UserID: w.UserID}, nil
	case TypeOffer:
		desc, err := decodeDescription(w, webrtc.SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		return Offer{UserID: w.UserID, Description: desc, To: w.To}, nil
	case TypeAnswer:
		desc, err := decodeDescription(w, webrtc.SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		return Answer{UserID: w.UserID, Description: desc, To: w.To}, nil
	case TypeICE:
		if err := requireUserID(w); err != nil {
			return nil, err
		}
		msg := ICE{UserID: w.UserID}
		if w.Candidate != "" {
			var c candidate
			if err := json.Unmarshal([]byte(w.Candidate), &c); err != nil {
				return nil, &ProtocolError{Type: w.Type, Err: fmt.Errorf("%w: candidate: %v", ErrMalformed, err)}
			}
			if c.Candidate != "" {
				msg.Candidate = ptr(c.ToPion())
			}
		}
		return msg, nil
	case TypeDisconnect:
		if err := requireUserID(w); err != nil {
			return nil, err
		}
		return Disconnect{UserID: w.UserID}, nil
	default:
		return nil, &ProtocolError{Type: w.Type, Err: ErrUnknownType}
	}
}

func requireUserID(w wireMessage) error {
	if w.UserID == "" {
		return &ProtocolError{Type: w.Type, Err: fmt.Errorf("%w: missing userID", ErrMalformed)}
	}
	return nil
}

func decodeDescription(w wireMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if err := requireUserID(w); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if w.Description == "" {
		return webrtc.SessionDescription{}, &ProtocolError{Type: w.Type, Err: fmt.Errorf("%w: missing description", ErrMalformed)}
	}
	var s sdp
	if err := json.Unmarshal([]byte(w.Description), &s); err != nil {
		return webrtc.SessionDescription{}, &ProtocolError{Type: w.Type, Err: fmt.Errorf("%w: description: %v", ErrMalformed, err)}
	}
	desc, err := s.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, &ProtocolError{Type: w.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, &ProtocolError{Type: w.Type, Err: fmt.Errorf("%w: description type %q", ErrMalformed, s.Type)}
	}
	return desc, nil
}

func ptr[T any](v T) *T { return &v }
