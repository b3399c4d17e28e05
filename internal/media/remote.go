package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the part of a received track the call client cares about.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream is the live track set of one remote participant.
type RemoteStream struct {
	participantID string

	mu     sync.Mutex
	tracks []RemoteTrack
}

func NewRemoteStream(participantID string) *RemoteStream {
	return &RemoteStream{participantID: participantID}
}

func (s *RemoteStream) ParticipantID() string { return s.participantID }

// Replace drops every current track and keeps only t, so renegotiation never
// leaves stale tracks behind.
func (s *RemoteStream) Replace(t RemoteTrack) {
	s.mu.Lock()
	for i := range s.tracks {
		s.tracks[i] = nil
	}
	s.tracks = append(s.tracks[:0], t)
	s.mu.Unlock()
}

// Clear removes every track.
func (s *RemoteStream) Clear() {
	s.mu.Lock()
	s.tracks = nil
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}
