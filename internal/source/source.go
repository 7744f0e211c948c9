package source

import (
	"context"
	"errors"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
)

var (
	// ErrJoinRejected is returned when the audio source refuses the session
	ErrJoinRejected = errors.New("join rejected by audio source")
	// ErrCredentials is returned when no credentials are configured for the source
	ErrCredentials = errors.New("audio source credentials missing")
)

// Events are the callbacks a Connection delivers on its read goroutine
type Events struct {
	OnFrame func(frame audio.Frame)
	OnLeave func(reason string)
}

// Connection is a joined audio stream
type Connection interface {
	// Close ends the stream. OnLeave is not invoked for a local close.
	Close() error
}

// Connector joins the audio stream of a session. Join returns only after the
// source confirmed the join.
type Connector interface {
	Join(ctx context.Context, sessionKey string, events Events) (Connection, error)
}
