package audio

import "encoding/binary"

// WrapWAV wraps little-endian 16-bit mono PCM in a minimal RIFF/WAVE
// container at the given sample rate. The batch STT endpoint requires a
// container; raw PCM is rejected.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, 0, 44+len(pcm))
	le := binary.LittleEndian

	u32 := func(v uint32) []byte {
		var b [4]byte
		le.PutUint32(b[:], v)
		return b[:]
	}
	u16 := func(v uint16) []byte {
		var b [2]byte
		le.PutUint16(b[:], v)
		return b[:]
	}

	out = append(out, "RIFF"...)
	out = append(out, u32(uint32(36+len(pcm)))...)
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = append(out, u32(16)...) // PCM fmt chunk size
	out = append(out, u16(1)...)  // PCM format tag
	out = append(out, u16(channels)...)
	out = append(out, u32(uint32(sampleRate))...)
	out = append(out, u32(uint32(byteRate))...)
	out = append(out, u16(uint16(blockAlign))...)
	out = append(out, u16(bitsPerSample)...)
	out = append(out, "data"...)
	out = append(out, u32(uint32(len(pcm)))...)
	out = append(out, pcm...)
	return out
}

// UlawToWAV decodes μ-law audio and wraps it as 8 kHz 16-bit mono WAV,
// the payload format for catch-up transcription.
func UlawToWAV(ulaw []byte) []byte {
	return WrapWAV(UlawDecode(ulaw), 8000)
}
