package storage

import "time"

// Chunk is one persisted transcript row: the deduplicated text of one window
type Chunk struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	StartSec       float64   `json:"start_sec"`
	EndSec         float64   `json:"end_sec"`
	Text           string    `json:"text"`
	SequenceNumber int       `json:"sequence_number"`
	SpeakerName    *string   `json:"speaker_name,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StatusRecord is the externally visible transcription status of a session
type StatusRecord struct {
	SessionID      string     `json:"session_id"`
	IsTranscribing bool       `json:"is_transcribing"`
	Status         string     `json:"status"`
	StreamID       string     `json:"stream_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastError      string     `json:"last_error,omitempty"`
}
