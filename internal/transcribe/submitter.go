package transcribe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/observability"
	"github.com/lexiqai/transcription-pipeline/internal/resilience"
	"github.com/lexiqai/transcription-pipeline/internal/stt"
)

const (
	// DefaultMaxAttempts is the number of provider calls per window
	DefaultMaxAttempts = 3
	// DefaultBaseBackoff is the base of the 2^k backoff between attempts
	DefaultBaseBackoff = time.Second
)

// SubmitterConfig configures retry behaviour and request shaping
type SubmitterConfig struct {
	MaxAttempts int           // Total provider calls per window
	BaseBackoff time.Duration // After failed attempt k the submitter waits 2^k * BaseBackoff
	Language    string        // Fixed language hint
	Timeout     time.Duration // Per-attempt timeout, 0 for none
}

// Submitter turns audio windows into timed transcript segments
type Submitter struct {
	transcriber stt.Transcriber
	config      SubmitterConfig
	metrics     *observability.SessionMetrics
	logger      zerolog.Logger
}

// NewSubmitter creates a submitter around a transcription provider
func NewSubmitter(t stt.Transcriber, cfg SubmitterConfig, metrics *observability.SessionMetrics, logger zerolog.Logger) *Submitter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	return &Submitter{
		transcriber: t,
		config:      cfg,
		metrics:     metrics,
		logger:      logger,
	}
}

// Submit transcribes one window. Every failed attempt is retried with
// exponential backoff; once attempts are exhausted or ctx ends the window is
// given up and an empty result is returned. Segment times are relative to
// the window start.
func (s *Submitter) Submit(ctx context.Context, w audio.Window) stt.Result {
	logger := s.logger.With().Int("window_sequence", w.Sequence).Float64("window_start", w.StartOffset).Logger()

	wav, err := audio.EncodeWAV(w.Data, w.SampleRate)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode window, dropping it")
		s.metrics.RecordError("encode", "submitter")
		s.metrics.RecordWindowDropped(observability.DropReasonTranscriptionFailed)
		return stt.Result{}
	}

	req := stt.Request{
		Audio:       wav,
		SampleRate:  w.SampleRate,
		Language:    s.config.Language,
		Temperature: 0,
	}

	var result stt.Result
	attempt := 0
	retryConfig := &resilience.RetryConfig{
		MaxAttempts: s.config.MaxAttempts,
		Backoff: resilience.Backoff{
			Initial:    2 * s.config.BaseBackoff,
			Multiplier: 2,
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Debug().Int("attempt", attempt).Dur("backoff", wait).Msg("Retrying transcription")
		},
	}

	err = resilience.Retry(ctx, func(ctx context.Context) error {
		attempt++
		attemptCtx := ctx
		if s.config.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
			defer cancel()
		}

		start := time.Now()
		r, err := s.transcriber.Transcribe(attemptCtx, req)
		s.metrics.RecordTranscriptionAttempt(err == nil, time.Since(start))
		if err != nil {
			// Reported for every attempt, the last one included
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", s.config.MaxAttempts).
				Msg("Transcription attempt failed")
			s.metrics.RecordError("transcription_attempt", "submitter")
			return err
		}
		result = r
		return nil
	}, retryConfig)

	if err != nil {
		logger.Error().
			Err(err).
			Str("provider", s.transcriber.Name()).
			Msg("Transcription failed after retries, dropping window")
		s.metrics.RecordWindowDropped(observability.DropReasonTranscriptionFailed)
		return stt.Result{}
	}

	return result
}
