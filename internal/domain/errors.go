package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrSessionNotReady    = errors.New("session is not ready yet")
	ErrNotConnected       = errors.New("not connected")
	ErrClosed             = errors.New("closed")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// ConnectError reports a failed signaling handshake.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NegotiationError reports a failed offer/answer exchange. InvalidState is
// set when the peer connection was in a state that forbade the step.
type NegotiationError struct {
	Op           string
	InvalidState bool
	Err          error
}

func (e *NegotiationError) Error() string {
	if e.InvalidState {
		return fmt.Sprintf("negotiation %s: invalid state: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TrackReceptionTimeout reports expected tracks that never arrived.
type TrackReceptionTimeout struct {
	SessionID SessionID
	Missing   []string
	After     time.Duration
}

func (e *TrackReceptionTimeout) Error() string {
	return fmt.Sprintf("track reception timeout for %s after %s: missing %s",
		e.SessionID, e.After, strings.Join(e.Missing, ","))
}

// ServerError is a non-2xx answer, or an error code inside a 2xx answer,
// from a negotiation or meeting endpoint.
type ServerError struct {
	Op          string
	Status      int
	Code        string
	Description string
}

func (e *ServerError) Error() string {
	msg := fmt.Sprintf("%s: http %d", e.Op, e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Retryable reports whether the status is a server-side failure.
func (e *ServerError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError
}

// ProtocolError reports a response with an unexpected shape.
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded wait that expired.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
}

// IsRetryable is the whitelist of failures worth another attempt:
// server-side errors, missing tracks, sessions that are not ready yet,
// invalid negotiation states and expired waits.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionNotReady) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Retryable()
	}
	var timeout *TrackReceptionTimeout
	if errors.As(err, &timeout) {
		return true
	}
	var negErr *NegotiationError
	if errors.As(err, &negErr) && negErr.InvalidState {
		return true
	}
	var waitErr *TimeoutError
	return errors.As(err, &waitErr)
}
