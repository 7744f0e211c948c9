package stt

import (
	"context"
	"strings"
)

// Segment is one timed span of transcribed speech.
// Times are seconds relative to the start of the submitted audio.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Request is one audio container submitted for transcription
type Request struct {
	Audio       []byte  // WAV container
	SampleRate  int     // Sample rate of the PCM inside Audio
	Language    string  // Fixed language hint, e.g. "en"
	Temperature float64 // 0 for deterministic decoding
	Prompt      string  // Optional context hint
}

// Result is the provider's answer for one request
type Result struct {
	Text     string
	Segments []Segment
	Language string
	Duration float64
}

// Empty reports whether the result carries no speech
func (r Result) Empty() bool {
	return len(r.Segments) == 0 && strings.TrimSpace(r.Text) == ""
}

// Transcriber is the speech-to-text capability: submit audio, get timed segments
type Transcriber interface {
	// Transcribe sends one audio container and returns its timed segments.
	// Errors wrapped with resilience.NewRetryableError may be retried.
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Name identifies the provider in logs and metrics
	Name() string
}

// Float64Ptr returns a pointer to v
func Float64Ptr(v float64) *float64 {
	return &v
}
