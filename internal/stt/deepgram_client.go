package stt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	restinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/transcription-pipeline/internal/resilience"
)

// DeepgramConfig configures the Deepgram pre-recorded client
type DeepgramConfig struct {
	APIKey string
	Model  string // nova-2, enhanced, base
}

// streamFunc submits one audio stream; it matches the SDK's FromStream
type streamFunc func(ctx context.Context, src io.Reader, options *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error)

// DeepgramClient transcribes windows with Deepgram's pre-recorded REST API
type DeepgramClient struct {
	model      string
	fromStream streamFunc
}

// NewDeepgramClient creates a new Deepgram pre-recorded client
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	c := listenClient.NewREST(cfg.APIKey, &interfaces.ClientOptions{})
	dg := api.New(c)

	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}

	return &DeepgramClient{
		model:      model,
		fromStream: dg.FromStream,
	}
}

// Name returns the provider name
func (d *DeepgramClient) Name() string {
	return "deepgram"
}

// Transcribe sends the WAV container and maps utterances to segments
func (d *DeepgramClient) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Audio) == 0 {
		return Result{}, fmt.Errorf("empty audio payload")
	}

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.model,
		Language:    req.Language,
		Punctuate:   true,
		Utterances:  true,
		SmartFormat: true,
	}

	res, err := d.fromStream(ctx, bytes.NewReader(req.Audio), options)
	if err != nil {
		wrapped := fmt.Errorf("deepgram request failed: %w", err)
		if resilience.IsRetryableNetworkError(err) || isServerError(err) {
			return Result{}, resilience.NewRetryableError(wrapped)
		}
		return Result{}, wrapped
	}
	return resultFromDeepgram(res), nil
}

func isServerError(err error) bool {
	msg := err.Error()
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// resultFromDeepgram maps utterances to segments. Without utterances it
// falls back to a single segment spanning the first alternative's words.
func resultFromDeepgram(resp *restinterfaces.PreRecordedResponse) Result {
	var result Result
	if resp == nil {
		return result
	}
	if resp.Metadata != nil {
		result.Duration = resp.Metadata.Duration
	}
	if resp.Results == nil {
		return result
	}

	for _, u := range resp.Results.Utterances {
		text := strings.TrimSpace(u.Transcript)
		if text == "" {
			continue
		}
		result.Segments = append(result.Segments, Segment{
			Start:      u.Start,
			End:        u.End,
			Text:       text,
			Confidence: Float64Ptr(u.Confidence),
		})
	}

	if len(resp.Results.Channels) > 0 {
		ch := resp.Results.Channels[0]
		result.Language = ch.DetectedLanguage
		if len(ch.Alternatives) > 0 {
			alt := ch.Alternatives[0]
			result.Text = strings.TrimSpace(alt.Transcript)

			if len(result.Segments) == 0 && result.Text != "" && len(alt.Words) > 0 {
				result.Segments = []Segment{{
					Start:      alt.Words[0].Start,
					End:        alt.Words[len(alt.Words)-1].End,
					Text:       result.Text,
					Confidence: Float64Ptr(alt.Confidence),
				}}
			}
		}
	}

	if result.Text == "" && len(result.Segments) > 0 {
		parts := make([]string, len(result.Segments))
		for i, s := range result.Segments {
			parts[i] = s.Text
		}
		result.Text = strings.Join(parts, " ")
	}

	return result
}
