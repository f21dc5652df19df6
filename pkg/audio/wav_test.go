package audio

import (
	"encoding/binary"
	"testing"
)

func TestWrapWAVHeader(t *testing.T) {
	pcm := make([]byte, 320)
	wav := WrapWAV(pcm, 8000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 8000 {
		t.Errorf("sample rate = %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 16000 {
		t.Errorf("byte rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestUlawToWAVSilence(t *testing.T) {
	wav := UlawToWAV(SilenceFrame(UlawFrameBytes))
	if len(wav) != 44+UlawFrameBytes*2 {
		t.Fatalf("length = %d, want %d", len(wav), 44+UlawFrameBytes*2)
	}
	for i := 44; i < len(wav); i++ {
		if wav[i] != 0 {
			t.Fatalf("silence payload has non-zero byte at %d", i)
		}
	}
}
