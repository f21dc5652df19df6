// Package relay contains the per-call media pipeline: the local voice
// activity detector, the echo gate, interrupt and first-message handling, and
// the four mode pipelines that wire client, carrier and the two upstream
// sessions together.
package relay

import (
	"fmt"
	"log/slog"

	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/provider/vad"
)

// VAD model framing: telephone audio is upsampled 8 kHz → 16 kHz and scored
// in 512-sample frames (32 ms).
const (
	vadSampleRate   = 16000
	vadFrameSamples = 512
)

// rmsSilenceResetFrames is how many consecutive RMS-gated frames (~100 ms)
// must pass before the model's recurrent state is considered stale. Brief
// intra-syllable silence stays below this and does not reset.
const rmsSilenceResetFrames = 5

// VADConfig tunes the two-stage detector.
type VADConfig struct {
	// RMSGate is the energy floor in linear sample units. Frames below it
	// skip the model entirely.
	RMSGate float64

	// SpeechThreshold / SilenceThreshold are the hysteresis bounds on the
	// model probability.
	SpeechThreshold  float64
	SilenceThreshold float64

	// MinSpeechFrames / MinSilenceFrames are how many consecutive frames a
	// side of the hysteresis must hold before the state flips.
	MinSpeechFrames  int
	MinSilenceFrames int

	// OnSpeechStart / OnSpeechEnd fire on state transitions. Errors are
	// logged and never halt frame processing.
	OnSpeechStart func() error
	OnSpeechEnd   func() error

	Log *slog.Logger
}

// LocalVAD is the two-stage voice activity detector for carrier audio: a
// cheap RMS gate in front of a neural frame scorer, with hysteresis on top.
// It consumes every 20 ms μ-law frame of the call on a single goroutine.
type LocalVAD struct {
	cfg     VADConfig
	session vad.SessionHandle
	log     *slog.Logger

	speaking      bool
	speechFrames  int
	silenceFrames int

	// Pending 16 kHz samples not yet scored.
	buf []float32

	// RMS-silence run length; at rmsSilenceResetFrames the model state is
	// reset on the next energetic frame.
	rmsSilenceRun int
	needReset     bool
}

// NewLocalVAD creates a detector backed by one scoring session from engine.
func NewLocalVAD(engine vad.Engine, cfg VADConfig) (*LocalVAD, error) {
	if cfg.SpeechThreshold < cfg.SilenceThreshold {
		return nil, fmt.Errorf("relay: speech threshold %v below silence threshold %v",
			cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:   vadSampleRate,
		FrameSamples: vadFrameSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: vad session: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &LocalVAD{
		cfg:     cfg,
		session: sess,
		log:     log.With("component", "vad"),
	}, nil
}

// Speaking reports the current hysteresis state.
func (v *LocalVAD) Speaking() bool { return v.speaking }

// Close releases the scoring session.
func (v *LocalVAD) Close() error { return v.session.Close() }

// ProcessFrame scores one 20 ms μ-law frame. It never returns an error:
// scoring and callback failures are logged and the frame is dropped, because
// a VAD hiccup must not stall the media path.
func (v *LocalVAD) ProcessFrame(ulaw []byte) {
	if len(ulaw) == 0 {
		return
	}

	if audio.UlawRMS(ulaw) < v.cfg.RMSGate {
		v.rmsSilenceRun++
		if v.rmsSilenceRun >= rmsSilenceResetFrames {
			v.needReset = true
		}
		v.observe(0)
		return
	}

	if v.needReset {
		v.session.ResetState()
		v.buf = v.buf[:0]
		v.needReset = false
	}
	v.rmsSilenceRun = 0

	v.buf = append(v.buf, audio.Upsample2x(audio.UlawToFloat32(ulaw))...)
	for len(v.buf) >= vadFrameSamples {
		frame := v.buf[:vadFrameSamples]
		v.buf = v.buf[vadFrameSamples:]

		prob, err := v.session.Probability(frame)
		if err != nil {
			v.log.Warn("frame scoring failed", "error", err)
			continue
		}
		v.observe(prob)
	}
}

// observe advances the hysteresis state machine with one probability sample.
// RMS-gated frames count as probability zero.
func (v *LocalVAD) observe(prob float64) {
	if v.speaking {
		if prob < v.cfg.SilenceThreshold {
			v.silenceFrames++
			if v.silenceFrames >= v.cfg.MinSilenceFrames {
				v.speaking = false
				v.silenceFrames = 0
				v.speechFrames = 0
				v.fire(v.cfg.OnSpeechEnd, "speech end")
			}
		} else {
			v.silenceFrames = 0
		}
		return
	}

	if prob >= v.cfg.SpeechThreshold {
		v.speechFrames++
		if v.speechFrames >= v.cfg.MinSpeechFrames {
			v.speaking = true
			v.speechFrames = 0
			v.silenceFrames = 0
			v.fire(v.cfg.OnSpeechStart, "speech start")
		}
	} else {
		v.speechFrames = 0
	}
}

func (v *LocalVAD) fire(cb func() error, what string) {
	if cb == nil {
		return
	}
	if err := cb(); err != nil {
		v.log.Error("callback failed", "event", what, "error", err)
	}
}
