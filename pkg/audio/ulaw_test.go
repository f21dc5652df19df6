package audio

import (
	"math"
	"testing"
)

func TestUlawSilenceDecodesToZero(t *testing.T) {
	if got := ulawDecodeTable[UlawSilenceByte]; got != 0 {
		t.Fatalf("silence byte decoded to %d, want 0", got)
	}
}

func TestUlawRMS(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want float64
	}{
		{name: "empty", in: nil, want: 0},
		{name: "all silence", in: SilenceFrame(UlawFrameBytes), want: 0},
		{name: "single silence byte", in: []byte{UlawSilenceByte}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UlawRMS(tt.in); got != tt.want {
				t.Errorf("UlawRMS(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestUlawRMSNonSilencePositive(t *testing.T) {
	// 0x00 decodes to the most negative sample; a frame of it has high energy.
	frame := make([]byte, UlawFrameBytes)
	rms := UlawRMS(frame)
	if rms <= 0 {
		t.Fatalf("RMS of loud frame = %v, want > 0", rms)
	}
	if math.Abs(rms-float64(ulawMax)) > 1 {
		t.Errorf("RMS of constant max-magnitude frame = %v, want ≈ %d", rms, ulawMax)
	}
}

func TestUlawDecodeTableRange(t *testing.T) {
	for b := 0; b < 256; b++ {
		s := ulawDecodeTable[b]
		if s < -ulawMax || s > ulawMax {
			t.Fatalf("table[%#x] = %d outside [-%d, %d]", b, s, ulawMax, ulawMax)
		}
	}
}

func TestUlawToFloat32Normalised(t *testing.T) {
	samples := UlawToFloat32([]byte{0x00, UlawSilenceByte, 0x80})
	for i, s := range samples {
		if s < -1 || s > 1 {
			t.Fatalf("sample %d = %v outside [-1, 1]", i, s)
		}
	}
	if samples[1] != 0 {
		t.Errorf("silence byte sample = %v, want 0", samples[1])
	}
}

func TestPCM16RMS(t *testing.T) {
	if got := PCM16RMS(nil); got != 0 {
		t.Errorf("empty input RMS = %v, want 0", got)
	}
	// Constant amplitude 1000 on every sample.
	pcm := make([]byte, 40)
	for i := 0; i < 20; i++ {
		pcm[i*2] = byte(1000)
		pcm[i*2+1] = byte(1000 >> 8)
	}
	if got := PCM16RMS(pcm); math.Abs(got-1000) > 0.01 {
		t.Errorf("RMS = %v, want 1000", got)
	}
}

func TestUpsample2x(t *testing.T) {
	in := []float32{0.1, -0.5, 1}
	out := Upsample2x(in)
	want := []float32{0.1, 0.1, -0.5, -0.5, 1, 1}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestUlawDecodePCMLength(t *testing.T) {
	pcm := UlawDecode(SilenceFrame(UlawFrameBytes))
	if len(pcm) != UlawFrameBytes*2 {
		t.Fatalf("decoded length = %d, want %d", len(pcm), UlawFrameBytes*2)
	}
	for i, b := range pcm {
		if b != 0 {
			t.Fatalf("silence decoded to non-zero byte at %d", i)
		}
	}
}
