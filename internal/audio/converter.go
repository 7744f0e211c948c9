package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Encoding identifies the sample format of an incoming frame
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // little-endian signed 16-bit
	EncodingMulaw Encoding = "mulaw" // G.711 PCMU, one byte per sample
)

// ParseEncoding maps a wire name to an Encoding. Empty means pcm16.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pcm16", "pcm", "linear16", "s16le":
		return EncodingPCM16, nil
	case "mulaw", "ulaw", "pcmu":
		return EncodingMulaw, nil
	default:
		return "", fmt.Errorf("unsupported audio encoding: %q", name)
	}
}

// Frame is one chunk of audio as delivered by the meeting source
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// NormalizeFrame converts a frame to mono 16-bit PCM at targetRate.
// Frames already in that shape are returned as-is without copying.
func NormalizeFrame(frame Frame, targetRate int) ([]byte, error) {
	if len(frame.Data) == 0 {
		return nil, nil
	}
	if targetRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive, got %d", targetRate)
	}

	rate := frame.SampleRate
	if rate == 0 {
		rate = targetRate
	}
	channels := frame.Channels
	if channels == 0 {
		channels = 1
	}
	encoding := frame.Encoding
	if encoding == "" {
		encoding = EncodingPCM16
	}

	if encoding == EncodingPCM16 && channels == 1 && rate == targetRate {
		if len(frame.Data)%BytesPerSample != 0 {
			return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
		}
		return frame.Data, nil
	}

	var samples []int16
	switch encoding {
	case EncodingPCM16:
		s, err := bytesToSamples(frame.Data)
		if err != nil {
			return nil, err
		}
		samples = s
	case EncodingMulaw:
		samples = make([]int16, len(frame.Data))
		for i, b := range frame.Data {
			samples[i] = mulawToLinear(b)
		}
	default:
		return nil, fmt.Errorf("unsupported audio encoding: %q", encoding)
	}

	if channels > 1 {
		samples = downmix(samples, channels)
	}
	if rate != targetRate {
		samples = resample(samples, rate, targetRate)
	}

	return samplesToBytes(samples), nil
}

// bytesToSamples decodes little-endian 16-bit PCM
func bytesToSamples(data []byte) ([]int16, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// downmix averages interleaved channels into one. A trailing partial
// sample group is discarded.
func downmix(samples []int16, channels int) []int16 {
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// resample performs simple linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	// step = (mantissa << (segment + 1)) + (33 << segment), minus the bias
	magnitude := (mantissa << (segment + 1)) + (int32(33) << segment) - 33
	magnitude <<= 2 // back to 16-bit scale

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
