// Package signal maintains the WebSocket connection to a room's event stream.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"meeting_room/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Options tune the connection's timers.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	ReconnectDelay   time.Duration
	// ReconnectAttempts bounds consecutive failed re-dials; zero means unlimited.
	ReconnectAttempts int
}

// DefaultOptions returns the production timers.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:  15 * time.Second,
		PingInterval:      30 * time.Second,
		PongWait:          70 * time.Second,
		ReconnectDelay:    3 * time.Second,
		ReconnectAttempts: 5,
	}
}

// envelope is the message frame in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Client owns exactly one logical connection to the event stream at a time.
type Client struct {
	url      string
	username string
	handler  domain.Handler
	opts     Options
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	gen  int

	closed    chan struct{}
	closeOnce sync.Once
}

// URL derives the room's event stream endpoint from the meeting service base.
func URL(apiBase, roomID, username string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse meeting service url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/meetings/" + roomID
	u.RawQuery = url.Values{"username": {username}}.Encode()
	return u.String(), nil
}

// NewClient creates a client for the stream at wsURL. Events go to handler.
func NewClient(wsURL, username string, handler domain.Handler, opts Options) *Client {
	return &Client{
		url:      wsURL,
		username: username,
		handler:  handler,
		opts:     opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		closed: make(chan struct{}),
	}
}

// Connect dials the stream and starts the read and liveness loops.
// A failed handshake returns *domain.ConnectError.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return domain.ErrClosed
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.start(conn) {
		return domain.ErrClosed
	}
	return nil
}

// Close shuts the connection down for good. It never reconnects.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			conn.Close()
		}
		log.Info().Str("module", "signal").Msg("closed")
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	log.Info().Str("module", "signal").Str("url", c.url).Msg("connecting")

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, &domain.ConnectError{URL: c.url, Err: err}
	}
	return conn, nil
}

// start installs conn as the current connection. It refuses once closed.
func (c *Client) start(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	go c.readLoop(conn, gen, done)
	go c.pingLoop(conn, done)

	log.Info().Str("module", "signal").Int("gen", gen).Msg("connected")
	return true
}

func (c *Client) readLoop(conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if c.isClosed() || !c.release(gen) {
				return
			}
			if !isAbnormal(err) {
				log.Info().Str("module", "signal").Err(err).Msg("server closed the connection")
				return
			}
			log.Warn().Str("module", "signal").Err(err).Msg("connection lost")
			c.reconnect()
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		log.Debug().Str("module", "signal").Str("data", string(data)).Msg("<<<")
		c.dispatch(data)
	}
}

// release forgets the connection of generation gen. It reports false when
// a newer connection has already replaced it.
func (c *Client) release(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = nil
	return true
}

// isAbnormal reports whether a read error should trigger a reconnect.
// Only a clean close handshake from the server is considered normal.
func isAbnormal(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseAbnormalClosure
	}
	return true
}

func (c *Client) reconnect() {
	for attempt := 1; c.opts.ReconnectAttempts == 0 || attempt <= c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-c.closed:
			return
		case <-time.After(c.opts.ReconnectDelay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			log.Warn().Str("module", "signal").Int("attempt", attempt).Err(err).Msg("reconnect failed")
			continue
		}
		if !c.start(conn) {
			return
		}
		log.Info().Str("module", "signal").Int("attempt", attempt).Msg("reconnected")
		c.handler.OnReconnected()
		return
	}
	log.Error().Str("module", "signal").Int("attempts", c.opts.ReconnectAttempts).Msg("giving up on reconnect")
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeTo(conn, outbound{Type: domain.EventPing}); err != nil {
				log.Warn().Str("module", "signal").Err(err).Msg("ping error")
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	if isBarePing(data) {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			if err := c.writeRaw(conn, []byte("pong")); err != nil {
				log.Warn().Str("module", "signal").Err(err).Msg("pong error")
			}
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Str("module", "signal").Err(err).Msg("unmarshal error")
		return
	}

	switch env.Type {
	case domain.EventRoomState, domain.EventRoomUpdated:
		if state, ok := decode[domain.RoomState](env); ok {
			c.handler.OnRoomState(state)
		}
	case domain.EventParticipantJoined:
		if ev, ok := decode[domain.ParticipantEvent](env); ok {
			c.handler.OnParticipantJoined(ev)
		}
	case domain.EventParticipantLeft:
		if ev, ok := decode[domain.ParticipantEvent](env); ok {
			c.handler.OnParticipantLeft(ev)
		}
	case domain.EventTracksReady:
		if ev, ok := decode[domain.ParticipantEvent](env); ok {
			c.handler.OnTracksReady(ev)
		}
	case domain.EventSpeakingState:
		if ev, ok := decode[domain.SpeakingState](env); ok {
			c.handler.OnSpeakingState(ev)
		}
	case domain.EventWave:
		if ev, ok := decode[domain.Wave](env); ok {
			c.handler.OnWave(ev)
		}
	case domain.EventPing:
		if err := c.Send(domain.EventPong, nil); err != nil {
			log.Warn().Str("module", "signal").Err(err).Msg("pong error")
		}
	case domain.EventPong:
		// liveness answer
	default:
		log.Debug().Str("module", "signal").Str("type", env.Type).Msg("ignoring event")
	}
}

func isBarePing(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.Equal(trimmed, []byte("ping")) || bytes.Equal(trimmed, []byte(`"ping"`))
}

func decode[T any](env envelope) (T, bool) {
	var v T
	if len(env.Payload) == 0 {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("missing payload")
		return v, false
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		log.Warn().Str("module", "signal").Str("type", env.Type).Err(err).Msg("decode payload")
		return v, false
	}
	return v, true
}

// Send writes one event to the current connection.
func (c *Client) Send(kind string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	return c.writeTo(conn, outbound{Type: kind, Payload: payload})
}

// SendWave waves at the room.
func (c *Client) SendWave() error {
	return c.Send(domain.EventWave, domain.Wave{Username: c.username, Timestamp: time.Now().UnixMilli()})
}

// SendSpeakingState publishes the local voice activity.
func (c *Client) SendSpeakingState(speaking bool) error {
	return c.Send(domain.EventSpeakingState, domain.SpeakingState{Username: c.username, IsSpeaking: speaking})
}

// SendParticipantLeft announces that session id, joined as username, is gone.
func (c *Client) SendParticipantLeft(id domain.SessionID, username string) error {
	return c.Send(domain.EventParticipantLeft, domain.ParticipantEvent{SessionID: id, Username: username})
}

func (c *Client) writeTo(conn *websocket.Conn, msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	log.Debug().Str("module", "signal").Str("data", string(data)).Msg(">>>")
	return c.writeRaw(conn, data)
}

// writeRaw serializes writes; gorilla allows one concurrent writer.
func (c *Client) writeRaw(conn *websocket.Conn, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
