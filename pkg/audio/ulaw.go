// Package audio provides the audio primitives used by the relay: G.711 μ-law
// decoding and energy measurement, PCM conversion helpers, a sequence-numbered
// ring buffer for raw telephone audio, a minimal WAV container writer, and an
// Opus decoder for the compressed client uplink.
package audio

import "math"

// UlawSilenceByte is the G.711 μ-law encoding of linear zero. Frames built
// from this byte decode to digital silence and keep upstream VAD timing
// intact when injected in place of real audio.
const UlawSilenceByte = 0xFF

// UlawFrameBytes is the size of one 20 ms μ-law frame at 8 kHz.
const UlawFrameBytes = 160

// ulawDecodeTable maps each μ-law byte to a signed 14-bit linear sample.
// Built once at init from the ITU-T G.711 expansion:
//
//	u = ^b; magnitude = ((2*mantissa + 33) << exponent) - 33
var ulawDecodeTable [256]int16

// ulawMax is the absolute maximum value in [ulawDecodeTable], used to
// normalise samples into [-1, 1].
const ulawMax = 8031

func init() {
	for b := 0; b < 256; b++ {
		u := ^byte(b)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := ((2*int32(mantissa) + 33) << exponent) - 33
		if u&0x80 != 0 {
			magnitude = -magnitude
		}
		ulawDecodeTable[b] = int16(magnitude)
	}
}

// UlawDecode expands μ-law bytes to little-endian 16-bit PCM. The 14-bit
// table values are shifted left by two so the full int16 range is used,
// which is what the batch STT service expects in WAV payloads.
func UlawDecode(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := ulawDecodeTable[b] << 2
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// UlawRMS returns the root-mean-square energy of μ-law audio in linear
// sample units. Empty input and all-silence input both return 0.
func UlawRMS(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, b := range data {
		s := float64(ulawDecodeTable[b])
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(data)))
}

// UlawToFloat32 decodes μ-law bytes to float32 samples in [-1, 1],
// normalised by the table maximum. This is the input format for the
// frame-level VAD engine.
func UlawToFloat32(data []byte) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(ulawDecodeTable[b]) / float32(ulawMax)
	}
	return out
}

// PCM16RMS returns the root-mean-square energy of little-endian 16-bit PCM.
// Odd trailing bytes are ignored. Empty input returns 0.
func PCM16RMS(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(data[i*2]) | int16(data[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// SilenceFrame returns n bytes of μ-law silence.
func SilenceFrame(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = UlawSilenceByte
	}
	return out
}

// Upsample2x doubles the sample rate of a float32 buffer by zero-order hold
// (each sample repeated once). Used to feed 8 kHz telephone audio into a
// 16 kHz VAD model; a proper resampler is unnecessary for speech-presence
// detection.
func Upsample2x(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}
