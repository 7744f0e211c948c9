package transcribe

import (
	"github.com/lexiqai/transcription-pipeline/internal/stt"
)

// DefaultTolerance is the slack, in seconds, applied when comparing a segment
// end to the watermark
const DefaultTolerance = 0.1

// Watermark is the absolute end time of the last persisted segment.
// The zero value is unset.
type Watermark struct {
	EndSec float64 `json:"end_sec"`
	Valid  bool    `json:"valid"`
}

// Filter drops segments that were already covered by an earlier window.
// Segments are in absolute session time. An unset watermark passes every
// segment through; otherwise only segments ending strictly after
// watermark+tolerance are kept, and a kept segment is never trimmed.
func Filter(segments []stt.Segment, wm Watermark, tolerance float64) []stt.Segment {
	if !wm.Valid {
		return segments
	}

	cutoff := wm.EndSec + tolerance
	kept := make([]stt.Segment, 0, len(segments))
	for _, s := range segments {
		if s.End > cutoff {
			kept = append(kept, s)
		}
	}
	return kept
}

// Advance returns the watermark after persisting kept. It never moves backwards.
func Advance(wm Watermark, kept []stt.Segment) Watermark {
	for _, s := range kept {
		if !wm.Valid || s.End > wm.EndSec {
			wm = Watermark{EndSec: s.End, Valid: true}
		}
	}
	return wm
}

// Offset shifts window-local segment times onto the session timeline
func Offset(segments []stt.Segment, startSec float64) []stt.Segment {
	out := make([]stt.Segment, len(segments))
	for i, s := range segments {
		s.Start += startSec
		s.End += startSec
		out[i] = s
	}
	return out
}
