package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrNoPeer            = errors.New("no peer to call")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnknownTrack      = errors.New("unknown track")
	ErrClosed            = errors.New("coordinator closed")
)

// Error reports a failed coordinator operation. Kind is one of the
// sentinel errors above; both Kind and Err match with errors.Is.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
