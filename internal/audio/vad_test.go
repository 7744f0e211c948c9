package audio

import (
	"math"
	"testing"
)

func constantWindow(amplitude int16, samples int) Window {
	data := make([]int16, samples)
	for i := range data {
		if i%2 == 0 {
			data[i] = amplitude
		} else {
			data[i] = -amplitude
		}
	}
	return Window{Data: pcmBytes(data...), SampleRate: 16000}
}

func TestWindowRMS(t *testing.T) {
	pcm := pcmBytes(1000, -1000, 2000, -2000)
	rms := WindowRMS(pcm)

	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}

	if WindowRMS(nil) != 0.0 {
		t.Error("Expected RMS 0.0 for empty payload")
	}
}

func TestWindowRMS_OddTrailingByte(t *testing.T) {
	pcm := append(pcmBytes(300, -300), 0x7f)
	if rms := WindowRMS(pcm); math.Abs(rms-300) > 1e-9 {
		t.Errorf("Expected trailing byte ignored and RMS 300, got %.2f", rms)
	}
}

func TestSilenceDetector(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		amplitude int16
		want      bool
	}{
		{"disabled", 0, 0, false},
		{"quiet window", 500, 10, true},
		{"speech window", 500, 5000, false},
		{"exactly at threshold", 500, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewSilenceDetector(tt.threshold)
			if got := d.IsSilent(constantWindow(tt.amplitude, 160)); got != tt.want {
				t.Errorf("IsSilent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSilenceDetector_Nil(t *testing.T) {
	var d *SilenceDetector
	if d.Enabled() {
		t.Error("Expected nil detector to be disabled")
	}
	if d.IsSilent(constantWindow(0, 10)) {
		t.Error("Expected nil detector to never flag silence")
	}
}
