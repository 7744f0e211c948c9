package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/resilience"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeBot serves the session audio endpoint and runs script on each accepted socket
func fakeBot(t *testing.T, script func(conn *websocket.Conn)) (*httptest.Server, *int32) {
	t.Helper()
	var dials int32

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/{key}/audio", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &dials
}

func newTestConnector(baseURL, token string) *WebSocketConnector {
	return NewWebSocketConnector(WebSocketConfig{
		URL:         baseURL,
		Token:       token,
		JoinTimeout: time.Second,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     5 * time.Millisecond,
			Multiplier:  1,
		},
	}, zerolog.Nop())
}

type recorder struct {
	mu     sync.Mutex
	frames []audio.Frame
	left   chan string
}

func newRecorder() *recorder {
	return &recorder{left: make(chan string, 1)}
}

func (r *recorder) events() Events {
	return Events{
		OnFrame: func(f audio.Frame) {
			r.mu.Lock()
			r.frames = append(r.frames, f)
			r.mu.Unlock()
		},
		OnLeave: func(reason string) { r.left <- reason },
	}
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestJoin_FramesThenLeave(t *testing.T) {
	srv, _ := fakeBot(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageJoined, SampleRate: 8000, Channels: 1, Encoding: "mulaw"})
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
		conn.WriteMessage(websocket.BinaryMessage, []byte{5, 6})
		conn.WriteJSON(ControlMessage{Type: MessageLeft, Reason: "meeting ended"})
		// Hold the socket open until the client goes away
		conn.ReadMessage()
	})

	rec := newRecorder()
	conn, err := newTestConnector(srv.URL, "secret").Join(context.Background(), "call-1", rec.events())
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	defer conn.Close()

	select {
	case reason := <-rec.left:
		if reason != "meeting ended" {
			t.Errorf("Expected leave reason 'meeting ended', got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnLeave was not called")
	}

	if rec.frameCount() != 2 {
		t.Fatalf("Expected 2 frames, got %d", rec.frameCount())
	}
	first := rec.frames[0]
	if first.SampleRate != 8000 || first.Channels != 1 || first.Encoding != audio.EncodingMulaw {
		t.Errorf("Expected frame to carry joined format, got %+v", first)
	}
	if len(first.Data) != 4 {
		t.Errorf("Expected 4 bytes, got %d", len(first.Data))
	}
}

func TestJoin_Rejected(t *testing.T) {
	srv, _ := fakeBot(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageRejected, Reason: "waiting room"})
	})

	_, err := newTestConnector(srv.URL, "secret").Join(context.Background(), "call-1", Events{})
	if !errors.Is(err, ErrJoinRejected) {
		t.Errorf("Expected ErrJoinRejected, got %v", err)
	}
}

func TestJoin_UnauthorizedIsNotRetried(t *testing.T) {
	srv, dials := fakeBot(t, func(conn *websocket.Conn) {})

	_, err := newTestConnector(srv.URL, "wrong").Join(context.Background(), "call-1", Events{})
	if !errors.Is(err, ErrJoinRejected) {
		t.Errorf("Expected ErrJoinRejected, got %v", err)
	}
	if n := atomic.LoadInt32(dials); n != 1 {
		t.Errorf("Expected a single dial, got %d", n)
	}
}

func TestJoin_MissingCredentials(t *testing.T) {
	_, err := newTestConnector("ws://127.0.0.1:1", "").Join(context.Background(), "call-1", Events{})
	if !errors.Is(err, ErrCredentials) {
		t.Errorf("Expected ErrCredentials, got %v", err)
	}
}

func TestJoin_DialRetriedUntilExhausted(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestConnector(srv.URL, "secret").Join(context.Background(), "call-1", Events{})
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, ErrJoinRejected) {
		t.Errorf("Expected transient failure, got rejection: %v", err)
	}
	if n := atomic.LoadInt32(&dials); n != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", n)
	}
}

func TestJoin_TimeoutWaitingForJoined(t *testing.T) {
	srv, _ := fakeBot(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	c := newTestConnector(srv.URL, "secret")
	c.config.JoinTimeout = 50 * time.Millisecond

	_, err := c.Join(context.Background(), "call-1", Events{})
	if err == nil {
		t.Fatal("Expected join timeout error")
	}
}

func TestClose_DoesNotReportLeave(t *testing.T) {
	srv, _ := fakeBot(t, func(conn *websocket.Conn) {
		conn.WriteJSON(ControlMessage{Type: MessageJoined, SampleRate: 16000, Channels: 1})
		conn.ReadMessage()
	})

	rec := newRecorder()
	conn, err := newTestConnector(srv.URL, "secret").Join(context.Background(), "call-1", rec.events())
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	conn.Close()

	select {
	case reason := <-rec.left:
		t.Errorf("Expected no OnLeave after local close, got %q", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"ws://bot:9000", "ws://bot:9000/sessions/call%201/audio"},
		{"http://bot:9000/", "ws://bot:9000/sessions/call%201/audio"},
		{"https://bot.example.com/api", "wss://bot.example.com/api/sessions/call%201/audio"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c := newTestConnector(tt.base, "secret")
			got, err := c.endpoint("call 1")
			if err != nil {
				t.Fatalf("endpoint failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}
