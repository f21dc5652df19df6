package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/audio"
)

// Default echo-gate tuning. TTS echoes back through the carrier microphone
// roughly 100–400 ms after playback, attenuated 20–30 dB, so a frame well
// above the breakthrough threshold is genuine recipient speech.
const (
	defaultBreakthroughRMS = 400.0
	defaultCooldownMargin  = 500 * time.Millisecond
	defaultCooldownCap     = 2 * time.Second
)

// ulawBytesPerSecond is the carrier rate: 8000 one-byte samples per second.
const ulawBytesPerSecond = 8000

// EchoGateConfig tunes the gate.
type EchoGateConfig struct {
	// BreakthroughRMS is the energy above which carrier audio inside the
	// echo window is treated as the recipient talking over the TTS.
	BreakthroughRMS float64

	// CooldownMargin is the round-trip margin added to the remaining
	// playback estimate.
	CooldownMargin time.Duration

	// CooldownCap bounds the cooldown so long TTS never blocks the
	// recipient indefinitely.
	CooldownCap time.Duration

	// OnSuppressed / OnBreakthrough fire per suppressed frame and per
	// breakthrough, for metrics.
	OnSuppressed   func()
	OnBreakthrough func()

	// OnRelease fires once each time the window closes, whether by cooldown
	// expiry, recipient speech, or breakthrough.
	OnRelease func()

	Log *slog.Logger
}

// EchoGate keeps the recipient-side pipeline from translating the relay's
// own TTS. While the window is open, carrier frames below the breakthrough
// threshold are replaced with μ-law silence of the same length, which keeps
// upstream VAD timing intact.
type EchoGate struct {
	cfg EchoGateConfig
	log *slog.Logger

	mu          sync.Mutex
	inWindow    bool
	firstChunk  time.Time
	ttsBytes    int
	cooldownGen int
	cooldown    *time.Timer
}

// NewEchoGate creates a gate with defaults filled in.
func NewEchoGate(cfg EchoGateConfig) *EchoGate {
	if cfg.BreakthroughRMS <= 0 {
		cfg.BreakthroughRMS = defaultBreakthroughRMS
	}
	if cfg.CooldownMargin <= 0 {
		cfg.CooldownMargin = defaultCooldownMargin
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = defaultCooldownCap
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &EchoGate{cfg: cfg, log: log.With("component", "echo_gate")}
}

// Active reports whether the echo window is open.
func (g *EchoGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inWindow
}

// Activate opens (or keeps open) the window for one outbound TTS chunk. Any
// pending cooldown is cancelled: more TTS means more echo to come.
func (g *EchoGate) Activate(chunkLen int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inWindow {
		g.inWindow = true
		g.firstChunk = time.Now()
		g.ttsBytes = 0
	}
	g.ttsBytes += chunkLen
	g.cancelCooldownLocked()
}

// StartCooldown schedules deactivation after the dynamic cooldown: the
// estimated remaining playback plus a round-trip margin, clipped to the cap.
// Called when the TTS response completes.
func (g *EchoGate) StartCooldown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inWindow {
		return
	}

	playback := time.Duration(g.ttsBytes) * time.Second / ulawBytesPerSecond
	remaining := playback - time.Since(g.firstChunk)
	if remaining < 0 {
		remaining = 0
	}
	cooldown := remaining + g.cfg.CooldownMargin
	if cooldown > g.cfg.CooldownCap {
		cooldown = g.cfg.CooldownCap
	}
	g.ttsBytes = 0

	g.cancelCooldownLocked()
	g.cooldownGen++
	gen := g.cooldownGen
	g.cooldown = time.AfterFunc(cooldown, func() {
		g.mu.Lock()
		fired := gen == g.cooldownGen && g.inWindow
		if fired {
			g.inWindow = false
		}
		g.mu.Unlock()
		if fired && g.cfg.OnRelease != nil {
			g.cfg.OnRelease()
		}
	})
	g.log.Debug("echo cooldown armed", "cooldown", cooldown)
}

// Deactivate closes the window immediately. Called on recipient speech start
// and on breakthrough.
func (g *EchoGate) Deactivate() {
	g.mu.Lock()
	wasOpen := g.inWindow
	g.inWindow = false
	g.cancelCooldownLocked()
	g.mu.Unlock()
	if wasOpen && g.cfg.OnRelease != nil {
		g.cfg.OnRelease()
	}
}

// Filter passes one carrier frame through the gate. Outside the window the
// frame is returned unchanged. Inside it, frames above the breakthrough
// threshold close the window and pass through; everything else is replaced
// with silence of the same length.
func (g *EchoGate) Filter(frame []byte) []byte {
	g.mu.Lock()
	open := g.inWindow
	g.mu.Unlock()
	if !open {
		return frame
	}

	if audio.UlawRMS(frame) > g.cfg.BreakthroughRMS {
		g.log.Debug("breakthrough: recipient speaking over TTS")
		g.Deactivate()
		if g.cfg.OnBreakthrough != nil {
			g.cfg.OnBreakthrough()
		}
		return frame
	}

	if g.cfg.OnSuppressed != nil {
		g.cfg.OnSuppressed()
	}
	return audio.SilenceFrame(len(frame))
}

func (g *EchoGate) cancelCooldownLocked() {
	g.cooldownGen++
	if g.cooldown != nil {
		g.cooldown.Stop()
		g.cooldown = nil
	}
}
