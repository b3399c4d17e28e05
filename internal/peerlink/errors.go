package peerlink

import (
	"errors"
	"fmt"
)

var (
	ErrClosed                = errors.New("peerlink: closed")
	ErrNegotiationInProgress = errors.New("peerlink: negotiation already in progress")
)

// NegotiationError reports a failed offer/answer step. The link is closed by
// the time the caller sees it.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peerlink: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
