package livetiming

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiation = errors.New("negotiation failed")
	ErrGivenUp     = errors.New("max reconnect attempts exceeded")
)

// NegotiationError is returned if the negotiation request failed or
// the response is not usable.
type NegotiationError struct {
	StatusCode int // 0 if no response was received
	Reason     string
	Err        error
}

func (e *NegotiationError) Error() string {
	msg := "negotiation failed: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

// FrameParseError describes an inbound frame that could not be parsed.
// The frame is dropped, the connection stays open.
type FrameParseError struct {
	Len int
	Err error
}

func (e *FrameParseError) Error() string {
	return fmt.Sprintf("could not parse frame (%d bytes): %v", e.Len, e.Err)
}

func (e *FrameParseError) Unwrap() error { return e.Err }
