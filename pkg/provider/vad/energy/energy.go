// Package energy implements a model-free vad.Engine based on short-time
// energy and zero-crossing rate with an adaptive noise floor.
//
// It is the default backend when no neural model is configured: coarse, but
// adequate for telephone speech because the relay's RMS pre-gate has already
// removed low-energy frames before this engine ever scores one. A
// Silero-class model can replace it without touching the detector, since both
// sit behind the same vad.Engine interface.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/vad"
)

// Tuning constants. The noise floor adapts with an exponential moving
// average over frames classified as non-speech; the probability is a
// sigmoid over the energy-to-floor ratio, damped by the zero-crossing
// rate so that hiss and line noise score low.
const (
	floorAlpha   = 0.05 // EMA weight for noise-floor updates
	initialFloor = 1e-4 // RMS floor before any frame is observed
	ratioMid     = 4.0  // energy ratio at which probability is 0.5
	ratioSlope   = 1.2  // sigmoid steepness
	zcrPenalty   = 0.35 // max probability reduction for noisy ZCR
)

// Engine creates adaptive-energy scoring sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns a new energy Engine.
func New() *Engine { return &Engine{} }

// NewSession creates a scoring session. FrameSamples must be positive.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("energy: frame samples must be positive, got %d", cfg.FrameSamples)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	return &session{
		frameSamples: cfg.FrameSamples,
		noiseFloor:   initialFloor,
	}, nil
}

type session struct {
	mu           sync.Mutex
	frameSamples int
	noiseFloor   float64
	closed       bool
}

var _ vad.SessionHandle = (*session)(nil)

// Probability scores one frame by energy ratio over the adaptive noise floor.
func (s *session) Probability(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameSamples {
		return 0, fmt.Errorf("energy: frame has %d samples, want %d", len(frame), s.frameSamples)
	}

	var sum float64
	crossings := 0
	for i, v := range frame {
		sum += float64(v) * float64(v)
		if i > 0 && (v >= 0) != (frame[i-1] >= 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	zcr := float64(crossings) / float64(len(frame))

	ratio := rms / s.noiseFloor
	prob := 1 / (1 + math.Exp(-ratioSlope*(ratio-ratioMid)))

	// Voiced speech crosses zero far less often than broadband noise.
	if zcr > 0.25 {
		prob *= 1 - zcrPenalty*math.Min(1, (zcr-0.25)/0.25)
	}

	// Track the floor only on frames that look like non-speech, so the
	// floor cannot climb into sustained speech.
	if prob < 0.5 {
		s.noiseFloor = (1-floorAlpha)*s.noiseFloor + floorAlpha*rms
		if s.noiseFloor < initialFloor {
			s.noiseFloor = initialFloor
		}
	}

	return prob, nil
}

// ResetState restores the initial noise floor.
func (s *session) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noiseFloor = initialFloor
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
