package conference

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("conference: closed")
	ErrNoRelayAddress = errors.New("conference: setup response carries no relay address")
	ErrAlreadyJoined  = errors.New("conference: already joined")
	ErrJoinAborted    = errors.New("conference: join aborted by leave")
)

// InvalidTargetError means the conference identifier did not verify.
type InvalidTargetError struct {
	ConferenceID string
	Err          error
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("conference: invalid target %q: %v", e.ConferenceID, e.Err)
}

func (e *InvalidTargetError) Unwrap() error { return e.Err }

// SessionEstablishError means credentials could not be exchanged for a relay
// address. Op is create_session or connect_session.
type SessionEstablishError struct {
	Op  string
	Err error
}

func (e *SessionEstablishError) Error() string {
	return fmt.Sprintf("conference: %s: %v", e.Op, e.Err)
}

func (e *SessionEstablishError) Unwrap() error { return e.Err }
