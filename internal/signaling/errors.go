package signaling

import "errors"

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// ProtocolError reports an inbound frame that could not be turned into a
// Message. It never affects the session it arrived on.
type ProtocolError struct {
	Type Type
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return "signaling: " + e.Err.Error()
	}
	return "signaling: " + string(e.Type) + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
