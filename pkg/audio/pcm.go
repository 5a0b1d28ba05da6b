package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale is the divisor used to normalise int16 samples to [-1, 1).
const pcmScale = 32768

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1], scaled by 32768 and rounded to the nearest
// step; +1.0 saturates at 32767. Decoding with [PCM16ToFloat] reconstructs
// every input within one quantisation step.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * pcmScale)
	return int16(max(math.MinInt16, min(v, math.MaxInt16)))
}

// PCM16ToFloat converts little-endian signed 16-bit PCM to float samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out
}

// EncodeBase64 returns the standard (padded) base64 text of raw.
func EncodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeBase64 decodes standard (padded) base64 text into raw bytes.
func DecodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedAudioData, err)
	}
	return raw, nil
}

// ToBuffer reinterprets raw as little-endian int16 PCM and packs it into a
// playable [Buffer] carrying sampleRate and channels. It fails with
// [ErrMalformedAudioData] when the byte length is not a whole number of
// sample frames.
func ToBuffer(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %s", ErrMalformedAudioData, formatString(sampleRate, channels))
	}
	if len(raw)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudioData, len(raw), 2*channels)
	}
	return &Buffer{
		Samples:    PCM16ToFloat(raw),
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// RMS returns the root-mean-square amplitude of samples, or 0 for an empty
// block.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Loudness returns the RMS of samples scaled to [0, 100] for visualisation.
func Loudness(samples []float32) float64 {
	return min(RMS(samples)*100, 100)
}
