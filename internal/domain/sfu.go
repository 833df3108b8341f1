package domain

import (
	"bytes"
	"encoding/json"
)

// ErrorCode is an SFU error code. The API has used both numbers and
// strings for it.
type ErrorCode string

func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ErrorCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, err := n.Int64(); err == nil && v == 0 {
		*c = ""
		return nil
	}
	*c = ErrorCode(n.String())
	return nil
}

// Set reports whether the code carries an error.
func (c ErrorCode) Set() bool { return c != "" && c != "0" }

// Track locations understood by the SFU.
const (
	LocationLocal  = "local"
	LocationRemote = "remote"
)

// TrackStatusActive marks a track that is currently flowing.
const TrackStatusActive = "active"

// TrackRef names one track in an SFU request. Local tracks carry a mid,
// remote tracks the session that publishes them.
type TrackRef struct {
	Location  string    `json:"location"`
	Mid       string    `json:"mid,omitempty"`
	TrackName string    `json:"trackName"`
	SessionID SessionID `json:"sessionId,omitempty"`
}

// TracksRequest is the body of POST /sessions/{id}/tracks/new.
type TracksRequest struct {
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks             []TrackRef          `json:"tracks"`
}

// TrackResult is the per-track outcome of a tracks/new request.
type TrackResult struct {
	TrackRef
	ErrorCode        ErrorCode `json:"errorCode,omitempty"`
	ErrorDescription string    `json:"errorDescription,omitempty"`
}

// TracksResponse is the answer to POST /sessions/{id}/tracks/new.
type TracksResponse struct {
	RequiresImmediateRenegotiation bool                `json:"requiresImmediateRenegotiation"`
	SessionDescription             *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks                         []TrackResult       `json:"tracks"`
	ErrorCode                      ErrorCode           `json:"errorCode,omitempty"`
	ErrorDescription               string              `json:"errorDescription,omitempty"`
}

// TrackStatus is one entry of GET /sessions/{id}.
type TrackStatus struct {
	TrackRef
	Status string `json:"status"`
}

// SessionState is the answer to GET /sessions/{id}.
type SessionState struct {
	Tracks           []TrackStatus `json:"tracks"`
	ErrorCode        ErrorCode     `json:"errorCode,omitempty"`
	ErrorDescription string        `json:"errorDescription,omitempty"`
}

// ActiveTracks returns pull descriptors for every active track of the
// session identified by owner.
func (s *SessionState) ActiveTracks(owner SessionID) []TrackRef {
	var out []TrackRef
	for _, t := range s.Tracks {
		if t.Status != TrackStatusActive {
			continue
		}
		out = append(out, TrackRef{
			Location:  LocationRemote,
			TrackName: t.TrackName,
			SessionID: owner,
		})
	}
	return out
}

// TrackError returns the first per-track failure of the response.
func (r *TracksResponse) TrackError(op string) error {
	for _, t := range r.Tracks {
		if t.ErrorCode.Set() {
			return &ServerError{Op: op, Status: 200, Code: string(t.ErrorCode), Description: t.TrackName + ": " + t.ErrorDescription}
		}
	}
	return nil
}
