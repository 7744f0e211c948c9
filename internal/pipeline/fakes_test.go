package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/source"
	"github.com/lexiqai/transcription-pipeline/internal/storage"
	"github.com/lexiqai/transcription-pipeline/internal/stt"
)

// memStore is an in-memory Store
type memStore struct {
	mu        sync.Mutex
	maxSeq    map[string]int
	chunks    []storage.Chunk
	statuses  []storage.StatusRecord
	appendErr func(c storage.Chunk) error
}

func newMemStore() *memStore {
	return &memStore{maxSeq: make(map[string]int)}
}

func (m *memStore) AppendChunk(ctx context.Context, c storage.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		if err := m.appendErr(c); err != nil {
			return err
		}
	}
	m.chunks = append(m.chunks, c)
	if cur, ok := m.maxSeq[c.SessionID]; !ok || c.SequenceNumber > cur {
		m.maxSeq[c.SessionID] = c.SequenceNumber
	}
	return nil
}

func (m *memStore) MaxSequence(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.maxSeq[sessionID]; ok {
		return v, nil
	}
	return -1, nil
}

func (m *memStore) UpdateSessionStatus(ctx context.Context, r storage.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, r)
	return nil
}

func (m *memStore) chunkList() []storage.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Chunk(nil), m.chunks...)
}

func (m *memStore) statusList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.statuses))
	for i, r := range m.statuses {
		out[i] = r.Status
	}
	return out
}

func (m *memStore) lastStatus() storage.StatusRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[len(m.statuses)-1]
}

// scriptedTranscriber returns responses in call order, then empty results.
// When gate is set, every call waits for a value on it first.
type scriptedTranscriber struct {
	mu        sync.Mutex
	responses []stt.Result
	requests  []stt.Request
	gate      chan struct{}
	called    chan struct{}
}

func (s *scriptedTranscriber) Name() string { return "scripted" }

func (s *scriptedTranscriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	called, gate := s.called, s.gate
	s.mu.Unlock()

	if called != nil {
		called <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.responses) {
		return s.responses[n], nil
	}
	return stt.Result{}, nil
}

func (s *scriptedTranscriber) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// fakeConnector records the events of the last join
type fakeConnector struct {
	mu      sync.Mutex
	joinErr error
	joins   int
	events  source.Events
	conns   []*fakeConn
	block   chan struct{}

	// holdJoin makes a blocked join ignore cancellation until block closes
	holdJoin bool
}

func (f *fakeConnector) Join(ctx context.Context, sessionKey string, events source.Events) (source.Connection, error) {
	f.mu.Lock()
	f.joins++
	block, hold := f.block, f.holdJoin
	f.mu.Unlock()

	if block != nil && hold {
		<-block
	} else if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.events = events
	conn := &fakeConn{}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeConnector) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func (f *fakeConnector) send(frame audio.Frame) {
	f.mu.Lock()
	onFrame := f.events.OnFrame
	f.mu.Unlock()
	onFrame(frame)
}

func (f *fakeConnector) leave(reason string) {
	f.mu.Lock()
	onLeave := f.events.OnLeave
	f.mu.Unlock()
	onLeave(reason)
}

type fakeConn struct {
	mu     sync.Mutex
	closes int
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

var errStoreDown = errors.New("database is locked")

// toneFrame returns seconds of constant-amplitude 16kHz mono PCM
func toneFrame(seconds float64, amplitude int16) audio.Frame {
	n := int(seconds * audio.DefaultSampleRate)
	data := make([]byte, n*audio.BytesPerSample)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return audio.Frame{Data: data, SampleRate: audio.DefaultSampleRate, Channels: 1, Encoding: audio.EncodingPCM16}
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Submitter.BaseBackoff = time.Millisecond
	cfg.Submitter.Language = "en"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func segment(start, end float64, text string) stt.Segment {
	return stt.Segment{Start: start, End: end, Text: text}
}
