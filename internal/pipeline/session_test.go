package pipeline

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/source"
	"github.com/lexiqai/transcription-pipeline/internal/storage"
	"github.com/lexiqai/transcription-pipeline/internal/stt"
)

func startTestSession(t *testing.T, cfg SessionConfig, tr stt.Transcriber, conn *fakeConnector, store *memStore) *Session {
	t.Helper()
	s := NewSession("call-1", cfg, Dependencies{Transcriber: tr, Connector: conn, Store: store})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestSession_ResumeNumbering(t *testing.T) {
	store := newMemStore()
	store.maxSeq["call-1"] = 41
	tr := &scriptedTranscriber{responses: []stt.Result{{Segments: []stt.Segment{segment(0.5, 7.5, "resumed")}}}}
	conn := &fakeConnector{}

	s := startTestSession(t, testSessionConfig(), tr, conn, store)
	conn.send(toneFrame(8, 1000))

	waitFor(t, "first chunk", func() bool { return len(store.chunkList()) == 1 })

	chunk := store.chunkList()[0]
	if chunk.SequenceNumber != 42 {
		t.Errorf("Expected first chunk to be numbered 42, got %d", chunk.SequenceNumber)
	}
	if s.Status().NextSequence != 43 {
		t.Errorf("Expected next sequence 43, got %d", s.Status().NextSequence)
	}
}

func TestSession_TwelveSecondScenario(t *testing.T) {
	store := newMemStore()
	tr := &scriptedTranscriber{responses: []stt.Result{
		{Segments: []stt.Segment{segment(0, 4, "good morning"), segment(4, 7.9, "everyone")}},
		// Second window starts at 6s: the first segment repeats "everyone"
		{Segments: []stt.Segment{segment(0, 1.9, "everyone"), segment(2.5, 5.5, "let's begin")}},
	}}
	conn := &fakeConnector{}

	s := startTestSession(t, testSessionConfig(), tr, conn, store)

	for i := 0; i < 12; i++ {
		conn.send(toneFrame(1, 1000))
		want := 0
		if i >= 7 {
			want = 1
		}
		if got := s.Status().WindowsEmitted; got != want {
			t.Fatalf("After %d seconds: expected %d windows, got %d", i+1, want, got)
		}
	}

	bps := audio.DefaultSampleRate * audio.BytesPerSample
	if fill := s.Status().Buffer.FillBytes; fill != 6*bps {
		t.Errorf("Expected 6s (2s overlap + 4s new) held, got %d bytes", fill)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if tr.calls() != 2 {
		t.Fatalf("Expected 2 transcriptions (threshold flush + teardown flush), got %d", tr.calls())
	}
	first, _ := audio.WAVDuration(tr.requests[0].Audio)
	second, _ := audio.WAVDuration(tr.requests[1].Audio)
	if first != 8 || second != 6 {
		t.Errorf("Expected windows of 8s and 6s, got %.2fs and %.2fs", first, second)
	}

	chunks := store.chunkList()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].SequenceNumber != 0 || chunks[0].Text != "good morning everyone" || chunks[0].EndSec != 7.9 {
		t.Errorf("Unexpected first chunk %+v", chunks[0])
	}
	if chunks[1].SequenceNumber != 1 || chunks[1].Text != "let's begin" {
		t.Errorf("Expected duplicate segment removed from second chunk, got %+v", chunks[1])
	}
	if chunks[1].StartSec != 8.5 || chunks[1].EndSec != 11.5 {
		t.Errorf("Expected absolute times 8.5-11.5, got %.2f-%.2f", chunks[1].StartSec, chunks[1].EndSec)
	}

	want := []string{"connecting", "streaming", "idle"}
	if got := store.statusList(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected status records %v, got %v", want, got)
	}
	if store.lastStatus().IsTranscribing {
		t.Error("Expected final status to be non-transcribing")
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	store := newMemStore()
	conn := &fakeConnector{}
	s := startTestSession(t, testSessionConfig(), &scriptedTranscriber{}, conn, store)

	for i := 0; i < 3; i++ {
		if err := s.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d failed: %v", i+1, err)
		}
	}

	if s.State() != StateIdle {
		t.Errorf("Expected idle, got %s", s.State())
	}
	if n := conn.conns[0].closeCount(); n != 1 {
		t.Errorf("Expected source closed once, got %d", n)
	}
	if got := store.statusList(); len(got) != 3 {
		t.Errorf("Expected a single idle record, got %v", got)
	}

	never := NewSession("unused", testSessionConfig(), Dependencies{})
	if err := never.Stop(context.Background()); err != nil {
		t.Errorf("Expected Stop on an unstarted session to be a no-op, got %v", err)
	}
}

func TestSession_DisconnectFlushesAndErrors(t *testing.T) {
	store := newMemStore()
	tr := &scriptedTranscriber{responses: []stt.Result{{Segments: []stt.Segment{segment(0, 2.5, "partial")}}}}
	conn := &fakeConnector{}
	s := startTestSession(t, testSessionConfig(), tr, conn, store)

	conn.send(toneFrame(3, 1000))
	conn.leave("removed from meeting")

	if s.State() != StateError {
		t.Fatalf("Expected error state, got %s", s.State())
	}
	if tr.calls() != 1 {
		t.Errorf("Expected partial window to be flushed and transcribed, got %d calls", tr.calls())
	}
	if len(store.chunkList()) != 1 {
		t.Errorf("Expected partial window persisted, got %d chunks", len(store.chunkList()))
	}

	last := store.lastStatus()
	if last.Status != "error" || last.IsTranscribing || last.LastError == "" {
		t.Errorf("Expected persisted error status, got %+v", last)
	}
	if s.Active() {
		t.Error("Expected session to be inactive")
	}

	// Frames after the disconnect are ignored
	conn.send(toneFrame(9, 1000))
	if s.Status().WindowsEmitted != 1 {
		t.Errorf("Expected no windows after disconnect, got %d", s.Status().WindowsEmitted)
	}
}

func TestSession_JoinFailure(t *testing.T) {
	store := newMemStore()
	conn := &fakeConnector{joinErr: source.ErrJoinRejected}
	s := NewSession("call-1", testSessionConfig(), Dependencies{Transcriber: &scriptedTranscriber{}, Connector: conn, Store: store})

	err := s.Start(context.Background())
	if !errors.Is(err, source.ErrJoinRejected) {
		t.Fatalf("Expected ErrJoinRejected, got %v", err)
	}
	if s.State() != StateError {
		t.Errorf("Expected error state, got %s", s.State())
	}
	want := []string{"connecting", "error"}
	if got := store.statusList(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected status records %v, got %v", want, got)
	}
}

func TestSession_InvalidConfigFailsBeforeJoin(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Buffer.OverlapSeconds = cfg.Buffer.WindowSeconds

	conn := &fakeConnector{}
	s := NewSession("call-1", cfg, Dependencies{Transcriber: &scriptedTranscriber{}, Connector: conn, Store: newMemStore()})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Expected start to fail")
	}
	if conn.joinCount() != 0 {
		t.Errorf("Expected no join attempt, got %d", conn.joinCount())
	}
}

func TestSession_PersistFailureContinues(t *testing.T) {
	store := newMemStore()
	store.appendErr = func(c storage.Chunk) error {
		if c.SequenceNumber == 0 {
			return errStoreDown
		}
		return nil
	}
	tr := &scriptedTranscriber{responses: []stt.Result{
		{Segments: []stt.Segment{segment(0, 7.5, "lost")}},
		{Segments: []stt.Segment{segment(0, 1.5, "overlap"), segment(2, 7.5, "kept")}},
	}}
	conn := &fakeConnector{}
	s := startTestSession(t, testSessionConfig(), tr, conn, store)

	conn.send(toneFrame(8, 1000))
	conn.send(toneFrame(6, 1000))

	waitFor(t, "second window", func() bool { return len(store.chunkList()) == 1 })

	snap := s.Status()
	if snap.PersistFailures != 1 {
		t.Errorf("Expected 1 persist failure, got %d", snap.PersistFailures)
	}
	if s.State() != StateStreaming {
		t.Errorf("Expected session to keep streaming, got %s", s.State())
	}

	chunk := store.chunkList()[0]
	if chunk.SequenceNumber != 1 {
		t.Errorf("Expected sequence 1, got %d", chunk.SequenceNumber)
	}
	// The failed window never advanced the watermark, so nothing is deduplicated
	if chunk.Text != "overlap kept" {
		t.Errorf("Expected both segments kept, got %q", chunk.Text)
	}
}

func TestSession_SilentWindowSkipped(t *testing.T) {
	cfg := testSessionConfig()
	cfg.SilenceThreshold = 50

	store := newMemStore()
	tr := &scriptedTranscriber{responses: []stt.Result{{Segments: []stt.Segment{segment(0, 5, "speech")}}}}
	conn := &fakeConnector{}
	s := startTestSession(t, cfg, tr, conn, store)

	conn.send(toneFrame(8, 0))
	waitFor(t, "silent window", func() bool { return s.Status().WindowsProcessed == 1 })

	if tr.calls() != 0 {
		t.Errorf("Expected silent window not transcribed, got %d calls", tr.calls())
	}
	if s.Status().WindowsSkipped != 1 {
		t.Errorf("Expected 1 skipped window, got %d", s.Status().WindowsSkipped)
	}

	conn.send(toneFrame(6, 2000))
	waitFor(t, "speech chunk", func() bool { return len(store.chunkList()) == 1 })

	if seq := store.chunkList()[0].SequenceNumber; seq != 1 {
		t.Errorf("Expected skipped window to consume sequence 0, got %d", seq)
	}
}

func TestSession_FullQueueDropsWindow(t *testing.T) {
	cfg := testSessionConfig()
	cfg.QueueSize = 1

	store := newMemStore()
	tr := &scriptedTranscriber{
		gate:   make(chan struct{}),
		called: make(chan struct{}, 8),
		responses: []stt.Result{
			{Segments: []stt.Segment{segment(0, 7, "one")}},
			{Segments: []stt.Segment{segment(2, 7, "two")}},
		},
	}
	conn := &fakeConnector{}
	s := startTestSession(t, cfg, tr, conn, store)

	conn.send(toneFrame(8, 1000))
	<-tr.called // worker holds window 0

	conn.send(toneFrame(6, 1000)) // window 1 queued
	conn.send(toneFrame(6, 1000)) // window 2 dropped

	snap := s.Status()
	if snap.WindowsEmitted != 3 || snap.WindowsDropped != 1 {
		t.Errorf("Expected 3 emitted and 1 dropped, got %d and %d", snap.WindowsEmitted, snap.WindowsDropped)
	}
	if snap.NextSequence != 3 {
		t.Errorf("Expected dropped window to keep its reserved sequence, next is %d", snap.NextSequence)
	}

	close(tr.gate)
	waitFor(t, "queued windows", func() bool { return len(store.chunkList()) == 2 })

	chunks := store.chunkList()
	if chunks[0].SequenceNumber != 0 || chunks[1].SequenceNumber != 1 {
		t.Errorf("Expected chunks 0 and 1 in order, got %d and %d", chunks[0].SequenceNumber, chunks[1].SequenceNumber)
	}
}

func TestSession_ChunkCarriesSpeakerAndConfidence(t *testing.T) {
	cfg := testSessionConfig()
	cfg.SpeakerName = "Dana"

	store := newMemStore()
	tr := &scriptedTranscriber{responses: []stt.Result{{Segments: []stt.Segment{
		{Start: 0, End: 3, Text: " hello ", Confidence: stt.Float64Ptr(0.8)},
		{Start: 3, End: 6, Text: "world", Confidence: stt.Float64Ptr(0.6)},
		{Start: 6, End: 7, Text: "again"},
	}}}}
	conn := &fakeConnector{}
	startTestSession(t, cfg, tr, conn, store)

	conn.send(toneFrame(8, 1000))
	waitFor(t, "chunk", func() bool { return len(store.chunkList()) == 1 })

	chunk := store.chunkList()[0]
	if chunk.Text != "hello world again" {
		t.Errorf("Unexpected text %q", chunk.Text)
	}
	if chunk.SpeakerName == nil || *chunk.SpeakerName != "Dana" {
		t.Errorf("Expected speaker Dana, got %v", chunk.SpeakerName)
	}
	if chunk.Confidence == nil || *chunk.Confidence < 0.6999 || *chunk.Confidence > 0.7001 {
		t.Errorf("Expected mean confidence 0.7, got %v", chunk.Confidence)
	}
	if chunk.StartSec != 0 || chunk.EndSec != 7 {
		t.Errorf("Expected span 0-7, got %.1f-%.1f", chunk.StartSec, chunk.EndSec)
	}
}

func TestSession_TextWithoutSegments(t *testing.T) {
	store := newMemStore()
	tr := &scriptedTranscriber{responses: []stt.Result{{Text: "no timestamps"}}}
	conn := &fakeConnector{}
	startTestSession(t, testSessionConfig(), tr, conn, store)

	conn.send(toneFrame(8, 1000))
	waitFor(t, "chunk", func() bool { return len(store.chunkList()) == 1 })

	chunk := store.chunkList()[0]
	if chunk.Text != "no timestamps" || chunk.StartSec != 0 || chunk.EndSec != 8 {
		t.Errorf("Expected whole-window chunk, got %+v", chunk)
	}
}

func TestSession_StopEmptiesBuffer(t *testing.T) {
	conn := &fakeConnector{}
	s := startTestSession(t, testSessionConfig(), &scriptedTranscriber{}, conn, newMemStore())

	conn.send(toneFrame(3, 1000))
	if s.Status().Buffer.FillBytes == 0 {
		t.Fatal("Expected audio held before stop")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if fill := s.Status().Buffer.FillBytes; fill != 0 {
		t.Errorf("Expected an empty buffer after stop, got %d bytes", fill)
	}
}

func TestSession_LoggerCarriesSessionFields(t *testing.T) {
	var buf bytes.Buffer
	deps := Dependencies{
		Transcriber: &scriptedTranscriber{},
		Connector:   &fakeConnector{},
		Store:       newMemStore(),
		Logger:      zerolog.New(&buf),
	}

	s := NewSession("call-1", testSessionConfig(), deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"session_key":"call-1"`) {
		t.Errorf("Expected session_key in log output, got %s", out)
	}
	if !strings.Contains(out, `"correlation_id":"`+s.Status().StreamID+`"`) {
		t.Errorf("Expected correlation_id %s in log output, got %s", s.Status().StreamID, out)
	}
}
