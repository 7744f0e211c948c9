package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/observability"
	"github.com/lexiqai/transcription-pipeline/internal/source"
	"github.com/lexiqai/transcription-pipeline/internal/storage"
	"github.com/lexiqai/transcription-pipeline/internal/stt"
	"github.com/lexiqai/transcription-pipeline/internal/transcribe"
)

// State is the connection state of a session
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateError      State = "error"
)

// DefaultQueueSize is the number of emitted windows a session holds while
// the worker is busy
const DefaultQueueSize = 16

// Store is the persistence a session needs
type Store interface {
	AppendChunk(ctx context.Context, c storage.Chunk) error
	MaxSequence(ctx context.Context, sessionID string) (int, error)
	UpdateSessionStatus(ctx context.Context, r storage.StatusRecord) error
}

// Dependencies are the collaborators shared by every session
type Dependencies struct {
	Transcriber stt.Transcriber
	Connector   source.Connector
	Store       Store

	// Logger is the parent of every session logger; the zero value discards
	Logger zerolog.Logger
}

// SessionConfig tunes one session
type SessionConfig struct {
	Buffer           audio.BufferConfig
	Submitter        transcribe.SubmitterConfig
	DedupeTolerance  float64
	QueueSize        int
	SilenceThreshold float64 // RMS below which a window is skipped, 0 disables
	SpeakerName      string
}

// DefaultSessionConfig returns the 10s/2s window configuration at 16kHz
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Buffer: audio.DefaultBufferConfig(),
		Submitter: transcribe.SubmitterConfig{
			MaxAttempts: transcribe.DefaultMaxAttempts,
			BaseBackoff: transcribe.DefaultBaseBackoff,
		},
		DedupeTolerance: transcribe.DefaultTolerance,
		QueueSize:       DefaultQueueSize,
	}
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	SessionKey       string               `json:"session_key"`
	StreamID         string               `json:"stream_id"`
	State            State                `json:"state"`
	Buffer           audio.BufferStatus   `json:"buffer"`
	NextSequence     int                  `json:"next_sequence"`
	Watermark        transcribe.Watermark `json:"watermark"`
	BytesIngested    int64                `json:"bytes_ingested"`
	WindowsEmitted   int                  `json:"windows_emitted"`
	WindowsProcessed int                  `json:"windows_processed"`
	WindowsDropped   int                  `json:"windows_dropped"`
	WindowsSkipped   int                  `json:"windows_skipped"`
	ChunksPersisted  int                  `json:"chunks_persisted"`
	PersistFailures  int                  `json:"persist_failures"`
	StartedAt        *time.Time           `json:"started_at,omitempty"`
	StoppedAt        *time.Time           `json:"stopped_at,omitempty"`
	LastError        string               `json:"last_error,omitempty"`
}

// job is one emitted window with its reserved chunk sequence number
type job struct {
	window   audio.Window
	sequence int
}

// Session owns the buffer, watermark and sequence counter of one live
// transcription session. Frames are buffered synchronously; emitted windows
// are processed in order by a single worker goroutine, so chunk rows are
// persisted in sequence order.
type Session struct {
	key      string
	streamID string
	config   SessionConfig
	deps     Dependencies

	submitter *transcribe.Submitter
	silence   *audio.SilenceDetector
	metrics   *observability.SessionMetrics
	logger    zerolog.Logger

	// statusMu serializes transitions so status records land in order
	statusMu sync.Mutex

	mu            sync.Mutex
	state         State
	started       bool
	stopRequested bool
	buffer        *audio.WindowedBuffer
	queue         chan job
	queueClosed   bool
	workerDone    chan struct{}
	conn          source.Connection
	nextSequence  int
	watermark     transcribe.Watermark
	startedAt     *time.Time
	stoppedAt     *time.Time
	lastError     string

	bytesIngested    int64
	windowsEmitted   int
	windowsProcessed int
	windowsDropped   int
	windowsSkipped   int
	chunksPersisted  int
	persistFailures  int
}

// NewSession creates an idle session for key
func NewSession(key string, cfg SessionConfig, deps Dependencies) *Session {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DedupeTolerance < 0 {
		cfg.DedupeTolerance = transcribe.DefaultTolerance
	}

	streamID := observability.NewCorrelationID()
	logger := deps.Logger.With().
		Str("session_key", key).
		Str("correlation_id", streamID).
		Logger()
	metrics := observability.NewSessionMetrics(key)

	return &Session{
		key:       key,
		streamID:  streamID,
		config:    cfg,
		deps:      deps,
		submitter: transcribe.NewSubmitter(deps.Transcriber, cfg.Submitter, metrics, logger),
		silence:   audio.NewSilenceDetector(cfg.SilenceThreshold),
		metrics:   metrics,
		logger:    logger,
		state:     StateIdle,
	}
}

// Key returns the session key
func (s *Session) Key() string {
	return s.key
}

// Start connects the session to its audio source. On any failure the
// session ends in the error state and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.key)
	}
	s.started = true
	now := time.Now()
	s.startedAt = &now
	s.mu.Unlock()

	if !s.transition(ctx, StateConnecting, "", func() bool { return !s.stopRequested }) {
		return fmt.Errorf("session %s stopped before connecting", s.key)
	}

	if s.deps.Transcriber == nil || s.deps.Connector == nil || s.deps.Store == nil {
		return s.fail(ctx, errors.New("session dependencies not configured"))
	}
	buffer, err := audio.NewWindowedBuffer(s.config.Buffer)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("invalid buffer config: %w", err))
	}
	buffer.OnOverflow = func(frameBytes, heldBytes int) {
		s.logger.Warn().
			Int("frame_bytes", frameBytes).
			Int("held_bytes", heldBytes).
			Msg("Frame exceeds buffer capacity, flushing early")
		s.metrics.RecordBufferOverflow()
	}

	maxSeq, err := s.deps.Store.MaxSequence(ctx, s.key)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("load sequence counter: %w", err))
	}

	queue := make(chan job, s.config.QueueSize)
	done := make(chan struct{})

	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return fmt.Errorf("session %s stopped before joining", s.key)
	}
	s.buffer = buffer
	s.nextSequence = maxSeq + 1
	s.queue = queue
	s.workerDone = done
	s.mu.Unlock()

	go s.runWorker(context.WithoutCancel(ctx), queue, done)

	s.logger.Info().Int("next_sequence", maxSeq+1).Msg("Joining audio source")

	conn, err := s.deps.Connector.Join(ctx, s.key, source.Events{
		OnFrame: s.OnFrame,
		OnLeave: s.OnLeave,
	})
	if err != nil {
		return s.fail(ctx, fmt.Errorf("join audio source: %w", err))
	}

	s.mu.Lock()
	if s.state != StateConnecting || s.stopRequested || s.queueClosed {
		// The source left or Stop ran while the join was completing
		state, lastErr := s.state, s.lastError
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("session ended during join (%s): %s", state, lastErr)
	}
	s.conn = conn
	s.mu.Unlock()

	if !s.transition(ctx, StateStreaming, "", func() bool { return s.state == StateConnecting && !s.stopRequested }) {
		return fmt.Errorf("session %s stopped during join", s.key)
	}
	s.metrics.RecordSessionStart()
	return nil
}

// fail drains whatever was started and moves the session to the error state
func (s *Session) fail(ctx context.Context, err error) error {
	s.logger.Error().Err(err).Msg("Session start failed")
	s.metrics.RecordError("start", "session")

	if drainErr := s.shutdown(ctx); drainErr != nil {
		s.logger.Warn().Err(drainErr).Msg("Drain after failed start did not complete")
	}
	s.transition(context.WithoutCancel(ctx), StateError, err.Error(), func() bool { return !s.stopRequested })
	return err
}

// OnFrame normalizes a source frame and feeds it to the buffer. Windows the
// write completes get their chunk sequence reserved and are queued without
// blocking; a full queue drops the window.
func (s *Session) OnFrame(frame audio.Frame) {
	pcm, err := audio.NormalizeFrame(frame, s.config.Buffer.SampleRate)
	if err != nil {
		s.logger.Warn().Err(err).Int("frame_bytes", len(frame.Data)).Msg("Dropping malformed frame")
		s.metrics.RecordError("normalize", "session")
		return
	}
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queueClosed || s.buffer == nil {
		return
	}
	if s.state != StateStreaming && s.state != StateConnecting {
		return
	}

	s.bytesIngested += int64(len(pcm))
	s.metrics.RecordAudioBytes(len(pcm))

	for _, w := range s.buffer.Write(pcm) {
		s.enqueueLocked(w)
	}
}

func (s *Session) enqueueLocked(w audio.Window) {
	j := job{window: w, sequence: s.nextSequence}
	s.nextSequence++
	s.windowsEmitted++
	s.metrics.RecordWindowEmitted()

	select {
	case s.queue <- j:
	default:
		s.windowsDropped++
		s.metrics.RecordWindowDropped(observability.DropReasonQueueFull)
		s.logger.Warn().
			Int("sequence", j.sequence).
			Float64("window_start", w.StartOffset).
			Msg("Transcription queue full, dropping window")
	}
}

// OnLeave handles the audio source going away mid-session: the buffer is
// flushed and drained, then the session enters the error state.
func (s *Session) OnLeave(reason string) {
	s.mu.Lock()
	state, stopping := s.state, s.stopRequested
	s.mu.Unlock()

	if stopping || (state != StateStreaming && state != StateConnecting) {
		return
	}

	s.logger.Warn().Str("reason", reason).Msg("Audio source disconnected")

	ctx := context.Background()
	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Drain after disconnect did not complete")
	}
	s.transition(ctx, StateError, "audio source left: "+reason, func() bool { return !s.stopRequested })
	s.metrics.RecordSessionEnd()
}

// Stop flushes the buffer, closes the source, waits for queued windows to be
// processed (bounded by ctx) and moves the session to idle. Safe to call
// more than once and from any state.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle && (!s.started || s.stopRequested) {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping session")

	err := s.shutdown(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stopped before the transcription queue drained")
		err = fmt.Errorf("drain transcription queue: %w", err)
	}

	s.transition(context.WithoutCancel(ctx), StateIdle, "", nil)
	s.metrics.RecordSessionEnd()
	return err
}

// shutdown force-flushes and resets the buffer, closes the queue and source,
// then waits for the worker. Idempotent; concurrent callers all wait.
func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.queueClosed && s.queue != nil {
		if w, ok := s.buffer.ForceFlush(); ok {
			s.enqueueLocked(w)
		}
		s.buffer.Reset()
		close(s.queue)
	}
	s.queueClosed = true
	conn := s.conn
	s.conn = nil
	done := s.workerDone
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing audio source")
		}
	}

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition changes state and persists the status record. The record write
// happens after the in-memory change, and transitions are serialized so
// records land in order. allow, when set, is checked under the session lock
// and a refused transition returns false.
func (s *Session) transition(ctx context.Context, to State, lastErr string, allow func() bool) bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.mu.Lock()
	if allow != nil && !allow() {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = to
	if lastErr != "" {
		s.lastError = lastErr
	}
	if to == StateIdle || to == StateError {
		now := time.Now()
		s.stoppedAt = &now
	}
	record := storage.StatusRecord{
		SessionID:      s.key,
		IsTranscribing: to == StateStreaming,
		Status:         string(to),
		StreamID:       s.streamID,
		StartedAt:      s.startedAt,
		StoppedAt:      s.stoppedAt,
		UpdatedAt:      time.Now(),
		LastError:      s.lastError,
	}
	s.mu.Unlock()

	s.metrics.RecordTransition(string(from), string(to))
	event := s.logger.Info()
	if to == StateError {
		event = s.logger.Error().Str("last_error", record.LastError)
	}
	event.Str("from", string(from)).Str("to", string(to)).Msg("Session state changed")

	if s.deps.Store == nil {
		return true
	}
	if err := s.deps.Store.UpdateSessionStatus(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("status", string(to)).Msg("Failed to persist session status")
		s.metrics.RecordError("status_persist", "session")
	}
	return true
}

// runWorker processes queued windows in emission order
func (s *Session) runWorker(ctx context.Context, queue <-chan job, done chan<- struct{}) {
	defer close(done)
	for j := range queue {
		s.process(ctx, j)
	}
}

// process runs one window through silence check, transcription, dedupe
// and persistence
func (s *Session) process(ctx context.Context, j job) {
	w := j.window
	logger := s.logger.With().Int("sequence", j.sequence).Float64("window_start", w.StartOffset).Logger()

	if s.silence.IsSilent(w) {
		logger.Debug().Msg("Skipping silent window")
		s.metrics.RecordWindowSkipped()
		s.mu.Lock()
		s.windowsSkipped++
		s.windowsProcessed++
		s.mu.Unlock()
		return
	}

	result := s.submitter.Submit(ctx, w)
	segments := result.Segments
	if len(segments) == 0 && strings.TrimSpace(result.Text) != "" {
		segments = []stt.Segment{{Start: 0, End: w.Duration, Text: result.Text}}
	}
	absolute := transcribe.Offset(segments, w.StartOffset)

	s.mu.Lock()
	wm := s.watermark
	s.mu.Unlock()

	kept := transcribe.Filter(absolute, wm, s.config.DedupeTolerance)
	if n := len(absolute) - len(kept); n > 0 {
		s.metrics.RecordSegmentsDeduplicated(n)
	}

	chunk, ok := s.buildChunk(j.sequence, kept)
	if !ok {
		s.mu.Lock()
		s.windowsProcessed++
		s.mu.Unlock()
		return
	}

	if err := s.deps.Store.AppendChunk(ctx, chunk); err != nil {
		logger.Error().Err(err).Msg("Failed to persist transcript chunk, window lost")
		s.metrics.RecordPersistFailure()
		s.metrics.RecordWindowDropped(observability.DropReasonPersistFailed)
		s.mu.Lock()
		s.persistFailures++
		s.windowsProcessed++
		s.mu.Unlock()
		return
	}

	s.metrics.RecordChunkPersisted()
	logger.Debug().Int("segments", len(kept)).Float64("end_sec", chunk.EndSec).Msg("Persisted transcript chunk")

	s.mu.Lock()
	s.watermark = transcribe.Advance(s.watermark, kept)
	s.chunksPersisted++
	s.windowsProcessed++
	s.mu.Unlock()
}

// buildChunk joins kept segments into one row. ok is false when there is
// nothing to persist.
func (s *Session) buildChunk(sequence int, kept []stt.Segment) (storage.Chunk, bool) {
	var texts []string
	var confSum float64
	var confCount int
	for _, seg := range kept {
		if t := strings.TrimSpace(seg.Text); t != "" {
			texts = append(texts, t)
		}
		if seg.Confidence != nil {
			confSum += *seg.Confidence
			confCount++
		}
	}
	if len(texts) == 0 {
		return storage.Chunk{}, false
	}

	chunk := storage.Chunk{
		SessionID:      s.key,
		StartSec:       kept[0].Start,
		EndSec:         kept[len(kept)-1].End,
		Text:           strings.Join(texts, " "),
		SequenceNumber: sequence,
	}
	if s.config.SpeakerName != "" {
		name := s.config.SpeakerName
		chunk.SpeakerName = &name
	}
	if confCount > 0 {
		chunk.Confidence = stt.Float64Ptr(confSum / float64(confCount))
	}
	return chunk, true
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session is connecting or streaming
func (s *Session) Active() bool {
	switch s.State() {
	case StateConnecting, StateStreaming:
		return true
	}
	return false
}

// Status returns a snapshot of the session
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionKey:       s.key,
		StreamID:         s.streamID,
		State:            s.state,
		NextSequence:     s.nextSequence,
		Watermark:        s.watermark,
		BytesIngested:    s.bytesIngested,
		WindowsEmitted:   s.windowsEmitted,
		WindowsProcessed: s.windowsProcessed,
		WindowsDropped:   s.windowsDropped,
		WindowsSkipped:   s.windowsSkipped,
		ChunksPersisted:  s.chunksPersisted,
		PersistFailures:  s.persistFailures,
		StartedAt:        s.startedAt,
		StoppedAt:        s.stoppedAt,
		LastError:        s.lastError,
	}
	if s.buffer != nil {
		snap.Buffer = s.buffer.Status()
	}
	return snap
}
