package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/resilience"
)

const (
	// Control message types sent by the audio source
	MessageJoined   = "joined"
	MessageRejected = "rejected"
	MessageLeft     = "left"

	defaultJoinTimeout = 30 * time.Second
	closeWriteTimeout  = time.Second
)

// ControlMessage is a JSON text message from the audio source
type ControlMessage struct {
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// WebSocketConfig configures the WebSocket audio source
type WebSocketConfig struct {
	URL         string        // Base URL, e.g. ws://bot:9000
	Token       string        // Bearer token sent on dial
	JoinTimeout time.Duration // Time allowed between dial and the joined message
	Reconnect   *resilience.ReconnectConfig
	Dialer      *websocket.Dialer
}

// WebSocketConnector joins sessions on a meeting bot over WebSocket
type WebSocketConnector struct {
	config WebSocketConfig
	logger zerolog.Logger
}

// NewWebSocketConnector creates a connector for the given bot endpoint
func NewWebSocketConnector(cfg WebSocketConfig, logger zerolog.Logger) *WebSocketConnector {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &WebSocketConnector{config: cfg, logger: logger}
}

// Join dials the session's audio endpoint and waits for the joined message.
// Dial failures are retried; an authorization failure or a rejected message
// is permanent and wraps ErrJoinRejected.
func (c *WebSocketConnector) Join(ctx context.Context, sessionKey string, events Events) (Connection, error) {
	if c.config.Token == "" {
		return nil, ErrCredentials
	}

	endpoint, err := c.endpoint(sessionKey)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With().Str("session_key", sessionKey).Str("endpoint", endpoint).Logger()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.Token)

	reconnectConfig := resilience.DefaultReconnectConfig()
	if c.config.Reconnect != nil {
		rc := *c.config.Reconnect
		reconnectConfig = &rc
	}
	reconnectConfig.IsRetryable = func(err error) bool {
		return !errors.Is(err, ErrJoinRejected)
	}
	reconnectConfig.Logger = &logger

	var conn *websocket.Conn
	err = resilience.Reconnect(ctx, func(ctx context.Context) error {
		ws, resp, err := c.config.Dialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("%w: status %d", ErrJoinRejected, resp.StatusCode)
			}
			return fmt.Errorf("dial audio source: %w", err)
		}
		conn = ws
		return nil
	}, reconnectConfig)
	if err != nil {
		return nil, err
	}

	format, err := c.awaitJoined(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info().
		Int("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Str("encoding", string(format.Encoding)).
		Msg("Joined audio source")

	wc := &wsConnection{
		conn:   conn,
		format: format,
		events: events,
		logger: logger,
	}
	go wc.readLoop()

	return wc, nil
}

func (c *WebSocketConnector) endpoint(sessionKey string) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.config.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid audio source URL: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	return base.String() + "/sessions/" + url.PathEscape(sessionKey) + "/audio", nil
}

// awaitJoined reads control messages until the source accepts or rejects the join
func (c *WebSocketConnector) awaitJoined(conn *websocket.Conn) (audio.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.config.JoinTimeout)); err != nil {
		return audio.Frame{}, fmt.Errorf("set join deadline: %w", err)
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return audio.Frame{}, fmt.Errorf("waiting for join confirmation: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg ControlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed control message")
			continue
		}

		switch msg.Type {
		case MessageJoined:
			encoding, err := audio.ParseEncoding(msg.Encoding)
			if err != nil {
				return audio.Frame{}, err
			}
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return audio.Frame{}, fmt.Errorf("clear join deadline: %w", err)
			}
			return audio.Frame{
				SampleRate: msg.SampleRate,
				Channels:   msg.Channels,
				Encoding:   encoding,
			}, nil
		case MessageRejected, MessageLeft:
			reason := msg.Reason
			if reason == "" {
				reason = msg.Type
			}
			return audio.Frame{}, fmt.Errorf("%w: %s", ErrJoinRejected, reason)
		}
	}
}

// wsConnection delivers frames from one joined WebSocket
type wsConnection struct {
	conn   *websocket.Conn
	format audio.Frame
	events Events
	logger zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (w *wsConnection) readLoop() {
	for {
		msgType, payload, err := w.conn.ReadMessage()
		if err != nil {
			if w.isClosed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn().Err(err).Msg("Audio source read error")
			}
			w.leave("connection lost: " + err.Error())
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if w.isClosed() || w.events.OnFrame == nil {
				continue
			}
			frame := w.format
			frame.Data = payload
			w.events.OnFrame(frame)

		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				w.logger.Warn().Err(err).Msg("Ignoring malformed control message")
				continue
			}
			if msg.Type == MessageLeft || msg.Type == MessageRejected {
				reason := msg.Reason
				if reason == "" {
					reason = msg.Type
				}
				w.leave(reason)
				return
			}
		}
	}
}

func (w *wsConnection) leave(reason string) {
	if w.isClosed() {
		return
	}
	w.logger.Info().Str("reason", reason).Msg("Audio source left")
	if w.events.OnLeave != nil {
		w.events.OnLeave(reason)
	}
}

func (w *wsConnection) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close sends a close frame and tears down the socket. It does not wait for
// the read goroutine, so it is safe to call from OnLeave.
func (w *wsConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		err = w.conn.Close()
	})
	return err
}
