package energy

import (
	"math"
	"testing"

	"github.com/parlancehq/parlance/pkg/provider/vad"
)

func newTestSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	sess, err := New().NewSession(vad.Config{SampleRate: 16000, FrameSamples: 512})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func sine(samples int, freq float64, amplitude float64) []float32 {
	out := make([]float32, samples)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return out
}

func TestNewSessionValidation(t *testing.T) {
	eng := New()
	if _, err := eng.NewSession(vad.Config{SampleRate: 16000}); err == nil {
		t.Error("expected error for zero frame samples")
	}
	if _, err := eng.NewSession(vad.Config{FrameSamples: 512}); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestProbabilityFrameSizeMismatch(t *testing.T) {
	sess := newTestSession(t)
	if _, err := sess.Probability(make([]float32, 256)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestSilenceScoresLow(t *testing.T) {
	sess := newTestSession(t)
	p, err := sess.Probability(make([]float32, 512))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	if p >= 0.5 {
		t.Errorf("silence probability = %v, want < 0.5", p)
	}
}

func TestLoudToneAfterSilenceScoresHigh(t *testing.T) {
	sess := newTestSession(t)

	// Establish a noise floor with quiet frames, then present voiced-band
	// energy well above it.
	for i := 0; i < 10; i++ {
		if _, err := sess.Probability(sine(512, 200, 0.001)); err != nil {
			t.Fatalf("floor frame %d: %v", i, err)
		}
	}
	p, err := sess.Probability(sine(512, 200, 0.5))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	if p <= 0.5 {
		t.Errorf("loud tone probability = %v, want > 0.5", p)
	}
}

func TestProbabilityRange(t *testing.T) {
	sess := newTestSession(t)
	frames := [][]float32{
		make([]float32, 512),
		sine(512, 200, 1),
		sine(512, 3900, 1),
	}
	for i, f := range frames {
		p, err := sess.Probability(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if p < 0 || p > 1 {
			t.Errorf("frame %d probability = %v outside [0,1]", i, p)
		}
	}
}

func TestClosedSessionErrors(t *testing.T) {
	sess := newTestSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.Probability(make([]float32, 512)); err == nil {
		t.Error("expected error after Close")
	}
}
