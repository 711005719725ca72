package types

import (
	"errors"
	"fmt"
)

// Resolution errors. Timeout, NoPeers and NotFound are retryable.
var (
	ErrTimeout  = errors.New("request timeout")
	ErrNoPeers  = errors.New("no peers")
	ErrNotFound = errors.New("resource not found")
)

// Transport and handshake errors.
var (
	ErrDial              = errors.New("dial failed")
	ErrEmptyPayload      = errors.New("empty payload")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// ErrProtocolInvariant signals a broken event stream contract, not a network condition.
var ErrProtocolInvariant = errors.New("protocol invariant violation")

var (
	ErrSessionExists = errors.New("handshake session already exists")
	ErrNodeStopped   = errors.New("node stopped")
)

// IsRetryable reports whether err is a "try again" condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoPeers) || errors.Is(err, ErrNotFound)
}

// ErrUnexpected wraps ErrUnexpectedMessage with the offending message kind and session state.
type ErrUnexpected struct {
	Kind  string
	State string
}

func (e *ErrUnexpected) Error() string {
	return fmt.Sprintf("%s: %s while %s", ErrUnexpectedMessage, e.Kind, e.State)
}

func (e *ErrUnexpected) Unwrap() error {
	return ErrUnexpectedMessage
}
