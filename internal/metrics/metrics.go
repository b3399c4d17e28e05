package metrics

import "sync"

// Event names recorded by the call client.
const (
	SignalingReceived       = "signaling_received"
	SignalingSent           = "signaling_sent"
	SignalingSendFailed     = "signaling_send_failed"
	SignalingIgnored        = "signaling_ignored_not_joined"
	SignalingProtocolError  = "signaling_protocol_error"
	SignalingDropRateLimit  = "signaling_dropped_rate_limited"
	SignalingDropNonText    = "signaling_dropped_non_text"
	SignalingDuplicateStart = "signaling_duplicate_start_call"
	SignalingOrphanAnswer   = "signaling_answer_without_link"
	SignalingOrphanICE      = "signaling_ice_without_link"
	SignalingDuplicateLeave = "signaling_duplicate_disconnect"

	PeerLinkCreated        = "peer_link_created"
	PeerLinkClosed         = "peer_link_closed"
	PeerLinkCreateFailed   = "peer_link_create_failed"
	PeerLinkStateFailed    = "peer_link_state_failed"
	NegotiationFailed      = "negotiation_failed"
	NegotiationStale       = "negotiation_stale"
	RemoteTrackReceived    = "remote_track_received"
	ParticipantLeft        = "participant_left"
	TransportClosed        = "transport_closed"
	SessionVerifyFailed    = "session_verify_failed"
	SessionEstablishFailed = "session_establish_failed"
	JoinFailed             = "join_failed"
	ICECandidateFailed     = "ice_candidate_failed"
)

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics
// discards every update.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
