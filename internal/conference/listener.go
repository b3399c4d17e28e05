package conference

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/media"
)

// Listener receives call events. Calls are made one at a time, in order, on a
// goroutine owned by the Conference; a Listener may call back into the
// Conference.
type Listener interface {
	OnParticipantLeft(participantID string)
	OnRemoteStream(participantID string, stream *media.RemoteStream)
}

// StateListener is optionally implemented by a Listener to observe call state
// transitions.
type StateListener interface {
	OnStateChange(from, to State)
}

// ListenerFuncs adapts plain functions. Nil fields are skipped.
type ListenerFuncs struct {
	ParticipantLeft func(participantID string)
	RemoteStream    func(participantID string, stream *media.RemoteStream)
	StateChange     func(from, to State)
}

func (f ListenerFuncs) OnParticipantLeft(participantID string) {
	if f.ParticipantLeft != nil {
		f.ParticipantLeft(participantID)
	}
}

func (f ListenerFuncs) OnRemoteStream(participantID string, stream *media.RemoteStream) {
	if f.RemoteStream != nil {
		f.RemoteStream(participantID, stream)
	}
}

func (f ListenerFuncs) OnStateChange(from, to State) {
	if f.StateChange != nil {
		f.StateChange(from, to)
	}
}

// LogListener is the default Listener. It only logs.
type LogListener struct {
	Logger *slog.Logger
}

func (l LogListener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogListener) OnParticipantLeft(participantID string) {
	l.logger().Warn("participant left; no listener installed", "participant_id", participantID)
}

func (l LogListener) OnRemoteStream(participantID string, stream *media.RemoteStream) {
	l.logger().Warn("remote stream updated; no listener installed", "participant_id", participantID, "tracks", len(stream.Tracks()))
}
