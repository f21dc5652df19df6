package relay

import (
	"log/slog"
	"sync"
	"time"
)

// postStopGrace is how long after a recipient speech stop the recipient still
// counts as speaking. Covers the micro-pause mid-sentence: outbound TTS stays
// suppressed until the pause clearly is a turn end.
const postStopGrace = 1500 * time.Millisecond

// InterruptConfig wires the interrupt handler's effects. Priority is
// recipient speech > user speech > AI output.
type InterruptConfig struct {
	// IsGenerating reports whether Session A has a response in flight.
	IsGenerating func() bool

	// CancelResponse cancels Session A's in-flight response.
	CancelResponse func() error

	// ClearPlayback flushes the carrier's buffered TTS. Always invoked on a
	// recipient start: the carrier may hold seconds of queued audio.
	ClearPlayback func() error

	// NotifyClient tells the client the recipient is speaking.
	NotifyClient func()

	Log *slog.Logger
}

// Interrupt reacts to recipient speech by cutting off the relay's own output.
type Interrupt struct {
	cfg InterruptConfig
	log *slog.Logger

	mu        sync.Mutex
	stoppedAt time.Time
	speaking  bool
}

// NewInterrupt creates the handler.
func NewInterrupt(cfg InterruptConfig) *Interrupt {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Interrupt{cfg: cfg, log: log.With("component", "interrupt")}
}

// OnRecipientStarted handles a recipient speech start: cancel any in-flight
// Session A response, flush carrier playback, notify the client.
func (i *Interrupt) OnRecipientStarted() {
	i.mu.Lock()
	i.speaking = true
	i.stoppedAt = time.Time{}
	i.mu.Unlock()

	if i.cfg.IsGenerating != nil && i.cfg.IsGenerating() {
		i.log.Debug("recipient interrupting in-flight response")
		if err := i.cfg.CancelResponse(); err != nil {
			i.log.Warn("cancelling response failed", "error", err)
		}
	}
	if i.cfg.ClearPlayback != nil {
		if err := i.cfg.ClearPlayback(); err != nil {
			i.log.Warn("clearing carrier playback failed", "error", err)
		}
	}
	if i.cfg.NotifyClient != nil {
		i.cfg.NotifyClient()
	}
}

// OnRecipientStopped records the stop instant for the grace window.
func (i *Interrupt) OnRecipientStopped() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.speaking = false
	i.stoppedAt = time.Now()
}

// RecipientSpeaking reports whether outbound TTS must stay suppressed: true
// while the recipient speaks and for the grace period after they stop.
func (i *Interrupt) RecipientSpeaking() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.speaking {
		return true
	}
	return !i.stoppedAt.IsZero() && time.Since(i.stoppedAt) < postStopGrace
}
