package audio

import (
	"fmt"
)

const (
	// DefaultSampleRate is the pipeline sample rate (16kHz mono 16-bit PCM)
	DefaultSampleRate = 16000
	// BytesPerSample for 16-bit PCM
	BytesPerSample = 2
	// DefaultWindowSeconds is the duration of one transcription window
	DefaultWindowSeconds = 10.0
	// DefaultOverlapSeconds is how much audio consecutive windows share
	DefaultOverlapSeconds = 2.0
)

// BufferConfig holds the sizing parameters of a WindowedBuffer
type BufferConfig struct {
	SampleRate     int     // Samples per second (mono)
	WindowSeconds  float64 // Full window duration
	OverlapSeconds float64 // Audio retained between consecutive windows
}

// DefaultBufferConfig returns the default 10s/2s window at 16kHz
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		SampleRate:     DefaultSampleRate,
		WindowSeconds:  DefaultWindowSeconds,
		OverlapSeconds: DefaultOverlapSeconds,
	}
}

// Validate checks that the configuration describes a usable buffer
func (c BufferConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("window duration must be positive, got %.3fs", c.WindowSeconds)
	}
	if c.OverlapSeconds < 0 {
		return fmt.Errorf("overlap must not be negative, got %.3fs", c.OverlapSeconds)
	}
	if c.WindowSeconds <= c.OverlapSeconds {
		return fmt.Errorf("window (%.3fs) must exceed overlap (%.3fs)", c.WindowSeconds, c.OverlapSeconds)
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate for this configuration
func (c BufferConfig) BytesPerSecond() int {
	return c.SampleRate * BytesPerSample
}

// Window is the immutable payload produced by a flush
type Window struct {
	Data        []byte  // Copy of the accumulated PCM bytes
	Sequence    int     // 0-based, strictly increasing per buffer
	StartOffset float64 // Absolute start on the session timeline, in seconds
	Duration    float64 // Seconds of audio in Data
	SampleRate  int
}

// End returns the absolute end time of the window in seconds
func (w Window) End() float64 {
	return w.StartOffset + w.Duration
}

// BufferStatus is a point-in-time view of the buffer for observability
type BufferStatus struct {
	FillBytes   int     `json:"fill_bytes"`
	FillPercent float64 `json:"fill_percent"`
	Sequence    int     `json:"sequence"`
	Overflows   uint64  `json:"overflows"`
}

// WindowedBuffer accumulates PCM audio into fixed-duration, overlapping windows.
//
// The buffer is not safe for concurrent use; the owning session serializes
// access. Writes never block: emitted windows are returned to the caller,
// which decides how to hand them to the transcription stage.
type WindowedBuffer struct {
	config         BufferConfig
	bytesPerSecond int

	data        []byte // fixed capacity region
	cursor      int    // bytes currently held
	targetBytes int    // flush threshold (window - overlap)
	overlap     int    // bytes retained after a flush
	sequence    int    // next window sequence number

	consumed  int64 // bytes already dropped off the front of the timeline
	overflows uint64

	// OnOverflow is invoked when an incoming frame forces an early flush
	OnOverflow func(frameBytes, heldBytes int)
}

// NewWindowedBuffer creates a buffer sized from the configuration
func NewWindowedBuffer(config BufferConfig) (*WindowedBuffer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	bps := config.BytesPerSecond()
	capacity := alignToSample(int(config.WindowSeconds * float64(bps)))
	overlap := alignToSample(int(config.OverlapSeconds * float64(bps)))
	target := capacity - overlap
	if target <= 0 {
		return nil, fmt.Errorf("window too small for sample rate %d", config.SampleRate)
	}

	return &WindowedBuffer{
		config:         config,
		bytesPerSecond: bps,
		data:           make([]byte, capacity),
		targetBytes:    target,
		overlap:        overlap,
	}, nil
}

// Write appends frame bytes and returns every window the write completed.
// A frame that does not fit in the remaining capacity triggers a flush
// first; no byte of the frame is ever dropped.
func (b *WindowedBuffer) Write(frame []byte) []Window {
	if len(frame) == 0 {
		return nil
	}

	var windows []Window

	if b.cursor+len(frame) > len(b.data) {
		b.overflows++
		if b.OnOverflow != nil {
			b.OnOverflow(len(frame), b.cursor)
		}
		if w, ok := b.flush(); ok {
			windows = append(windows, w)
		}
	}

	remaining := frame
	for len(remaining) > 0 {
		if b.cursor == len(b.data) {
			// Frame longer than a whole window; keep splitting it
			if w, ok := b.flush(); ok {
				windows = append(windows, w)
			}
		}

		n := copy(b.data[b.cursor:], remaining)
		b.cursor += n
		remaining = remaining[n:]

		if b.cursor >= b.targetBytes {
			if w, ok := b.flush(); ok {
				windows = append(windows, w)
			}
		}
	}

	return windows
}

// ForceFlush emits whatever is currently held, regardless of the threshold.
// Used at session teardown so the final partial window is not lost.
func (b *WindowedBuffer) ForceFlush() (Window, bool) {
	return b.flush()
}

// flush emits the held bytes as a window and retains the overlap tail
func (b *WindowedBuffer) flush() (Window, bool) {
	if b.cursor == 0 {
		return Window{}, false
	}

	payload := make([]byte, b.cursor)
	copy(payload, b.data[:b.cursor])

	w := Window{
		Data:        payload,
		Sequence:    b.sequence,
		StartOffset: float64(b.consumed) / float64(b.bytesPerSecond),
		Duration:    float64(b.cursor) / float64(b.bytesPerSecond),
		SampleRate:  b.config.SampleRate,
	}
	b.sequence++

	if b.cursor > b.overlap {
		start := b.cursor - b.overlap
		copy(b.data, b.data[start:b.cursor])
		b.consumed += int64(start)
		b.cursor = b.overlap
	}
	// Less than one overlap held: retain everything

	return w, true
}

// Status returns the current fill level and sequence number
func (b *WindowedBuffer) Status() BufferStatus {
	return BufferStatus{
		FillBytes:   b.cursor,
		FillPercent: float64(b.cursor) / float64(b.targetBytes) * 100.0,
		Sequence:    b.sequence,
		Overflows:   b.overflows,
	}
}

// Len returns the number of bytes currently held
func (b *WindowedBuffer) Len() int {
	return b.cursor
}

// Capacity returns the fixed capacity in bytes
func (b *WindowedBuffer) Capacity() int {
	return len(b.data)
}

// TargetBytes returns the flush threshold in bytes
func (b *WindowedBuffer) TargetBytes() int {
	return b.targetBytes
}

// OverlapBytes returns the number of bytes retained after a flush
func (b *WindowedBuffer) OverlapBytes() int {
	return b.overlap
}

// Held returns a copy of the bytes currently held
func (b *WindowedBuffer) Held() []byte {
	out := make([]byte, b.cursor)
	copy(out, b.data[:b.cursor])
	return out
}

// Reset discards all held audio; the sequence counter is kept
func (b *WindowedBuffer) Reset() {
	b.consumed += int64(b.cursor)
	b.cursor = 0
}

func alignToSample(n int) int {
	return n - n%BytesPerSample
}
