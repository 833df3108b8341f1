// Package api is a client for the meeting service's REST endpoints.
package api

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

type notifyRequest struct {
	SessionID domain.SessionID `json:"session_id"`
	Username  string           `json:"username"`
}

type leaveRequest struct {
	SessionID domain.SessionID `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client calls the meeting service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the meeting service at baseURL.
// A nil httpClient gets a client with a 15s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// Join registers username in roomID and returns the session allocated for it.
func (c *Client) Join(ctx context.Context, roomID, username string) (domain.JoinResult, error) {
	var res domain.JoinResult
	path := "/meetings/" + url.PathEscape(roomID) + "?username=" + url.QueryEscape(username)
	if err := c.do(ctx, "join", http.MethodGet, path, nil, &res); err != nil {
		return domain.JoinResult{}, err
	}
	if res.SessionID == "" {
		return domain.JoinResult{}, &domain.ProtocolError{Op: "join", Reason: "missing session_id"}
	}
	return res, nil
}

// Info returns the room document with every active session.
func (c *Client) Info(ctx context.Context, roomID string) (*domain.Meeting, error) {
	var m domain.Meeting
	if err := c.do(ctx, "info", http.MethodGet, "/meetings/"+url.PathEscape(roomID)+"/info", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NotifyTracksReady tells the room that session id has published its tracks.
func (c *Client) NotifyTracksReady(ctx context.Context, roomID string, id domain.SessionID, username string) error {
	path := "/meetings/" + url.PathEscape(roomID) + "/notify-tracks-ready"
	return c.do(ctx, "notify tracks ready", http.MethodPost, path, notifyRequest{SessionID: id, Username: username}, nil)
}

// Leave ends session id in roomID.
func (c *Client) Leave(ctx context.Context, roomID string, id domain.SessionID) error {
	path := "/meetings/" + url.PathEscape(roomID) + "/leave"
	return c.do(ctx, "leave", http.MethodPost, path, leaveRequest{SessionID: id}, nil)
}

// Credentials fetches the SFU application credentials.
func (c *Client) Credentials(ctx context.Context) (domain.Credentials, error) {
	var creds domain.Credentials
	if err := c.do(ctx, "credentials", http.MethodGet, "/cloudflare/credentials", nil, &creds); err != nil {
		return domain.Credentials{}, err
	}
	if creds.AppID == "" || creds.Token == "" {
		return domain.Credentials{}, &domain.ProtocolError{Op: "credentials", Reason: "missing appId or token"}
	}
	return creds, nil
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
		return fmt.Errorf("create http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	log.Debug().Str("module", "api").Str("op", op).Int("status", resp.StatusCode).Msg("response")

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		desc := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			desc = e.Error
		}
		return &domain.ServerError{Op: op, Status: resp.StatusCode, Description: desc}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &domain.ProtocolError{Op: op, Reason: "unmarshal response", Err: err}
	}
	return nil
}
