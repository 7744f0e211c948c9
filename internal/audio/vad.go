package audio

import (
	"encoding/binary"
	"math"
)

// SilenceDetector decides whether a window is worth transcribing.
// A zero threshold disables detection.
type SilenceDetector struct {
	Threshold float64 // RMS below which a window counts as silence
}

// NewSilenceDetector creates a detector with the given RMS threshold
func NewSilenceDetector(threshold float64) *SilenceDetector {
	return &SilenceDetector{Threshold: threshold}
}

// Enabled reports whether the detector will ever flag a window
func (d *SilenceDetector) Enabled() bool {
	return d != nil && d.Threshold > 0
}

// IsSilent reports whether the window's energy is below the threshold
func (d *SilenceDetector) IsSilent(w Window) bool {
	if !d.Enabled() {
		return false
	}
	return WindowRMS(w.Data) < d.Threshold
}

// WindowRMS calculates the root mean square of little-endian 16-bit PCM bytes
func WindowRMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0.0
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}

	return math.Sqrt(sum / float64(n))
}
