// Package vad defines the Engine interface for frame-level speech-probability
// models.
//
// An Engine wraps a neural speech detector (e.g. a Silero-class model) and
// surfaces it as a stateful per-stream session. The relay's two-stage voice
// activity detector calls Probability once per accumulated model frame and
// applies its own hysteresis on top, so implementations only need to score
// frames — they never decide speech-start or speech-end themselves.
//
// Each session maintains its own internal state (context windows, RNN state)
// so that concurrent calls can be processed independently. A SessionHandle
// must not be shared across goroutines unless the implementation documents
// otherwise; Engines themselves must be safe for concurrent NewSession calls.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// Probability. Telephone audio is upsampled to 16000 before scoring.
	SampleRate int

	// FrameSamples is the number of samples the model scores at a time.
	// Probability returns an error for frames of any other length.
	// Silero-class models use 512 samples at 16 kHz (32 ms).
	FrameSamples int
}

// SessionHandle is an active scoring session for a single audio stream.
type SessionHandle interface {
	// Probability scores one frame of mono float32 samples in [-1, 1] and
	// returns the speech probability in [0, 1]. It is called synchronously
	// from the frame-processing loop and must not block.
	Probability(frame []float32) (float64, error)

	// ResetState clears the model's internal recurrent state without closing
	// the session. Called after a sustained stretch of silence so that stale
	// context from the previous utterance cannot bias the next one.
	ResetState()

	// Close releases the session's resources. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Engine is the factory for scoring sessions, implemented by each VAD backend.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is unsupported or resources cannot be
	// allocated.
	NewSession(cfg Config) (SessionHandle, error)
}
