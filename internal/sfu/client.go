// Package sfu is an HTTP client for the SFU's session negotiation API.
package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meeting_room/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the application root of the hosted SFU.
const DefaultBaseURL = "https://rtc.live.cloudflare.com/v1/apps"

const notReadyMarker = "not ready"

type apiError struct {
	ErrorCode        domain.ErrorCode `json:"errorCode,omitempty"`
	ErrorDescription string           `json:"errorDescription,omitempty"`
}

type newSessionResponse struct {
	SessionID string `json:"sessionId"`
	apiError
}

type renegotiateRequest struct {
	SessionDescription domain.SessionDescription `json:"sessionDescription"`
}

// Client talks to one SFU application.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the application appID under baseURL.
// A nil httpClient gets a client with a 15s timeout.
func NewClient(baseURL, appID, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(appID),
		token:   token,
		http:    httpClient,
	}
}

// newSession allocates a fresh session at the SFU. The meeting service
// allocates sessions for the room, so only tests reach it directly.
func (c *Client) newSession(ctx context.Context) (domain.SessionID, error) {
	var resp newSessionResponse
	if err := c.do(ctx, "sessions/new", http.MethodPost, "/sessions/new", nil, &resp); err != nil {
		return "", err
	}
	if err := checkAPIError("sessions/new", resp.apiError); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", &domain.ProtocolError{Op: "sessions/new", Reason: "missing sessionId"}
	}
	return domain.SessionID(resp.SessionID), nil
}

// NewTracks pushes local tracks or pulls remote tracks on session id.
func (c *Client) NewTracks(ctx context.Context, id domain.SessionID, req domain.TracksRequest) (*domain.TracksResponse, error) {
	var resp domain.TracksResponse
	path := "/sessions/" + url.PathEscape(string(id)) + "/tracks/new"
	if err := c.do(ctx, "tracks/new", http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if err := checkAPIError("tracks/new", apiError{resp.ErrorCode, resp.ErrorDescription}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Renegotiate submits the local answer to an SFU-initiated offer.
func (c *Client) Renegotiate(ctx context.Context, id domain.SessionID, answer domain.SessionDescription) error {
	var resp apiError
	path := "/sessions/" + url.PathEscape(string(id)) + "/renegotiate"
	if err := c.do(ctx, "renegotiate", http.MethodPut, path, renegotiateRequest{SessionDescription: answer}, &resp); err != nil {
		return err
	}
	return checkAPIError("renegotiate", resp)
}

// Session reads the state of session id and its tracks.
func (c *Client) Session(ctx context.Context, id domain.SessionID) (*domain.SessionState, error) {
	var resp domain.SessionState
	path := "/sessions/" + url.PathEscape(string(id))
	if err := c.do(ctx, "get session", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkAPIError("get session", apiError{resp.ErrorCode, resp.ErrorDescription}); err != nil {
		return nil, err
	}
	return &resp, nil
}

func checkAPIError(op string, e apiError) error {
	if !e.ErrorCode.Set() {
		return nil
	}
	if strings.Contains(strings.ToLower(e.ErrorDescription), notReadyMarker) {
		return fmt.Errorf("%s: %w", op, domain.ErrSessionNotReady)
	}
	return &domain.ServerError{Op: op, Status: http.StatusOK, Code: string(e.ErrorCode), Description: e.ErrorDescription}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debug().Str("module", "sfu").Str("op", op).Str("method", method).Str("path", path).Msg(">>>")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	log.Debug().Str("module", "sfu").Str("op", op).Int("status", resp.StatusCode).Msg("<<<")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e apiError
		_ = json.Unmarshal(respBody, &e)
		if strings.Contains(strings.ToLower(e.ErrorDescription), notReadyMarker) {
			return fmt.Errorf("%s: %w", op, domain.ErrSessionNotReady)
		}
		desc := e.ErrorDescription
		if desc == "" {
			desc = strings.TrimSpace(string(respBody))
		}
		return &domain.ServerError{Op: op, Status: resp.StatusCode, Code: string(e.ErrorCode), Description: desc}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &domain.ProtocolError{Op: op, Reason: "decode response", Err: err}
	}
	return nil
}
