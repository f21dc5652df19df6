package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// DualConfig carries everything needed to build the two session configurations.
type DualConfig struct {
	Provider realtime.Provider
	Comm     call.CommMode

	// Voice is the TTS voice for both sessions.
	Voice string

	// TranscriptionModel enables input transcription on Session B so the
	// original recipient utterance is captioned independently of the
	// translation.
	TranscriptionModel string

	// ATurnDetection configures Session A's upstream VAD. Nil means the
	// pipeline commits manually (text input modes).
	ATurnDetection *realtime.TurnDetection

	// Tools is attached to Session A in agent mode.
	Tools []realtime.ToolDefinition

	Log *slog.Logger
}

// DualManager owns the two upstream sessions of one call: A translates
// user → recipient, B translates recipient → user. It connects and closes
// them as a pair; recovery swaps individual sessions in place.
type DualManager struct {
	provider realtime.Provider
	cfg      DualConfig
	log      *slog.Logger

	mu sync.Mutex
	a  realtime.Session
	b  realtime.Session
}

// NewDualManager creates the manager; sessions exist only after Connect.
func NewDualManager(cfg DualConfig) *DualManager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &DualManager{
		provider: cfg.Provider,
		cfg:      cfg,
		log:      log.With("component", "session"),
	}
}

// ConfigA builds Session A's configuration: client-format input, carrier-format
// output, tools when present.
func (m *DualManager) ConfigA(prompt string) realtime.SessionConfig {
	return realtime.SessionConfig{
		Label:             "A",
		Modalities:        []string{"text", "audio"},
		Instructions:      prompt,
		Voice:             m.cfg.Voice,
		InputAudioFormat:  realtime.FormatPCM16,
		OutputAudioFormat: realtime.FormatG711Ulaw,
		TurnDetection:     m.cfg.ATurnDetection,
		Tools:             m.cfg.Tools,
	}
}

// ConfigB builds Session B's configuration. Input is always carrier μ-law and
// turn detection is always off: the local voice activity detector decides when
// to commit. Modalities drop audio in the modes where the user only reads the
// recipient.
func (m *DualManager) ConfigB(prompt string) realtime.SessionConfig {
	modalities := []string{"text", "audio"}
	switch m.cfg.Comm {
	case call.CommTextToVoice, call.CommFullAgent:
		modalities = []string{"text"}
	}
	return realtime.SessionConfig{
		Label:                   "B",
		Modalities:              modalities,
		Instructions:            prompt,
		Voice:                   m.cfg.Voice,
		InputAudioFormat:        realtime.FormatG711Ulaw,
		OutputAudioFormat:       realtime.FormatPCM16,
		TurnDetection:           nil,
		InputTranscriptionModel: m.cfg.TranscriptionModel,
	}
}

// Connect dials both sessions concurrently. On any failure both are closed and
// the first error is returned.
func (m *DualManager) Connect(ctx context.Context, promptA, promptB string) error {
	var a, b realtime.Session

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := m.provider.Connect(ctx, m.ConfigA(promptA))
		if err != nil {
			return fmt.Errorf("session: connect A: %w", err)
		}
		a = s
		return nil
	})
	g.Go(func() error {
		s, err := m.provider.Connect(ctx, m.ConfigB(promptB))
		if err != nil {
			return fmt.Errorf("session: connect B: %w", err)
		}
		b = s
		return nil
	})
	if err := g.Wait(); err != nil {
		if a != nil {
			a.Close()
		}
		if b != nil {
			b.Close()
		}
		return err
	}

	m.mu.Lock()
	m.a, m.b = a, b
	m.mu.Unlock()

	m.log.Info("both upstream sessions connected")
	return nil
}

// A returns the current outbound session.
func (m *DualManager) A() realtime.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.a
}

// B returns the current inbound session.
func (m *DualManager) B() realtime.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.b
}

// SwapA replaces the outbound session after a recovery reconnect, closing the
// old one. Returns the previous session.
func (m *DualManager) SwapA(s realtime.Session) realtime.Session {
	m.mu.Lock()
	old := m.a
	m.a = s
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return old
}

// SwapB replaces the inbound session after a recovery reconnect.
func (m *DualManager) SwapB(s realtime.Session) realtime.Session {
	m.mu.Lock()
	old := m.b
	m.b = s
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return old
}

// ListenAll runs both read loops until both return or ctx is cancelled.
// A session replaced via Swap ends its old loop; the recovery layer starts a
// new Listen on the replacement.
func (m *DualManager) ListenAll(ctx context.Context) error {
	m.mu.Lock()
	a, b := m.a, m.b
	m.mu.Unlock()
	if a == nil || b == nil {
		return fmt.Errorf("session: listen before connect")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Listen(ctx) })
	g.Go(func() error { return b.Listen(ctx) })
	return g.Wait()
}

// Close closes both sessions. Idempotent.
func (m *DualManager) Close() error {
	m.mu.Lock()
	a, b := m.a, m.b
	m.mu.Unlock()

	var errA, errB error
	if a != nil {
		errA = a.Close()
	}
	if b != nil {
		errB = b.Close()
	}
	if errA != nil {
		return errA
	}
	return errB
}
