package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/stt"
)

// Recovery states.
type RecoveryState string

const (
	StateConnected    RecoveryState = "connected"
	StateReconnecting RecoveryState = "reconnecting"
	StateDegraded     RecoveryState = "degraded"
)

// Default recovery parameters.
const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 120 * time.Second
	defaultBackoffInitial    = 1 * time.Second
	defaultBackoffCap        = 30 * time.Second
	defaultAttemptBudget     = 10 * time.Second
	defaultMaxAttempts       = 5
	defaultDegradedBatch     = 3 * time.Second
)

// touchEvents is every upstream event type; observing any of them refreshes
// the liveness heartbeat.
var touchEvents = []string{
	realtime.EventSessionCreated,
	realtime.EventSessionUpdated,
	realtime.EventAudioDelta,
	realtime.EventAudioTranscriptDelta,
	realtime.EventAudioTranscriptDone,
	realtime.EventTextDelta,
	realtime.EventTextDone,
	realtime.EventResponseDone,
	realtime.EventSpeechStarted,
	realtime.EventSpeechStopped,
	realtime.EventInputCommitted,
	realtime.EventInputTranscription,
	realtime.EventFunctionCallDelta,
	realtime.EventFunctionCallDone,
	realtime.EventError,
}

// RecoveryConfig configures a Recovery monitor for one session.
type RecoveryConfig struct {
	Call *call.Call

	// Session labels the monitored session, "A" or "B".
	Session string

	// Reconnect dials a replacement session. The pipeline's closure rebuilds
	// the system prompt with a recent-transcript footer, swaps the session in,
	// rebinds handlers, and starts a new read loop.
	Reconnect func(ctx context.Context) (realtime.Session, error)

	// Ring, when non-nil, supplies the audio that accumulated during the
	// outage for batch-STT catch-up. Only the carrier-facing session has one.
	Ring *audio.RingBuffer

	// Transcriber is the fallback batch STT used for catch-up and degraded
	// operation. May be nil, disabling both.
	Transcriber stt.Transcriber

	// Language passed to the transcriber.
	Language string

	// OnRecoveredText receives catch-up and degraded-mode transcripts,
	// already tagged.
	OnRecoveredText func(text string)

	// OnEvent receives every recovery state change, after it is recorded on
	// the Call. Used to notify the client.
	OnEvent func(e call.RecoveryEvent)

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffCap        time.Duration
	AttemptBudget     time.Duration
	MaxAttempts       int
	DegradedBatch     time.Duration

	Log *slog.Logger
}

// Monitor is the per-session recovery manager. It watches liveness,
// reconnects with backoff on failure, fills the audio gap via batch STT, and
// degrades to batched transcription when reconnection fails.
type Monitor struct {
	cfg  RecoveryConfig
	call *call.Call
	log  *slog.Logger

	mu            sync.Mutex
	state         RecoveryState
	lastEvent     time.Time
	recovering    bool
	degradedBuf   []byte
	degradedSince time.Time

	done     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
}

// NewMonitor creates a recovery monitor in the connected state. Run must be
// called to start the liveness loop.
func NewMonitor(cfg RecoveryConfig) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.AttemptBudget <= 0 {
		cfg.AttemptBudget = defaultAttemptBudget
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.DegradedBatch <= 0 {
		cfg.DegradedBatch = defaultDegradedBatch
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:       cfg,
		call:      cfg.Call,
		log:       log.With("component", "recovery", "session", cfg.Session),
		state:     StateConnected,
		lastEvent: time.Now(),
		done:      make(chan struct{}),
		lost:      make(chan struct{}, 1),
	}
}

// State returns the current recovery state.
func (m *Monitor) State() RecoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Touch refreshes the liveness heartbeat.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastEvent = time.Now()
	m.mu.Unlock()
}

// Watch wires the monitor to a session: every event refreshes the heartbeat
// and an unexpected socket loss triggers recovery. Call again for each
// replacement session.
func (m *Monitor) Watch(sess realtime.Session) {
	touch := func(realtime.Event) { m.Touch() }
	for _, et := range touchEvents {
		sess.On(et, touch)
	}
	sess.OnConnectionLost(func(err error) {
		m.log.Warn("session connection lost", "error", err)
		m.NotifyLost()
	})
}

// NotifyLost signals that the session dropped. Coalesced: only the first
// signal per recovery cycle has effect.
func (m *Monitor) NotifyLost() {
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

// Run is the liveness loop. It returns when ctx is cancelled or Stop is
// called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-m.lost:
			m.recover(ctx)
		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastEvent)
			recovering := m.recovering
			m.mu.Unlock()
			if !recovering && silent > m.cfg.HeartbeatTimeout {
				m.log.Warn("no upstream events within heartbeat timeout",
					"silent", silent.Round(time.Second))
				m.recover(ctx)
			}
		}
	}
}

// Stop halts the liveness loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// ── Degraded mode ──────────────────────────────────────────────────────────────

// FeedDegradedAudio accumulates μ-law audio while degraded and transcribes a
// batch once enough has collected. Outside the degraded state it is a no-op.
func (m *Monitor) FeedDegradedAudio(ctx context.Context, ulaw []byte) {
	m.mu.Lock()
	if m.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	if m.degradedBuf == nil {
		m.degradedSince = time.Now()
	}
	m.degradedBuf = append(m.degradedBuf, ulaw...)
	ready := time.Since(m.degradedSince) >= m.cfg.DegradedBatch
	var batch []byte
	if ready {
		batch = m.degradedBuf
		m.degradedBuf = nil
	}
	m.mu.Unlock()

	if !ready || len(batch) == 0 {
		return
	}
	if text := m.transcribe(ctx, batch); text != "" {
		m.emitText("[degraded] " + text)
	}
}

// ExitDegraded transitions back to connected after the pipeline establishes a
// new live session.
func (m *Monitor) ExitDegraded() {
	m.mu.Lock()
	if m.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.degradedBuf = nil
	m.lastEvent = time.Now()
	m.mu.Unlock()

	m.emit(call.RecoveryDegradedExited, 0, 0, "")
	m.emit(call.RecoveryNormalRestored, 0, 0, "")
}

// ── Recovery cycle ─────────────────────────────────────────────────────────────

func (m *Monitor) recover(ctx context.Context) {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	m.state = StateReconnecting
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	var gapMS int64
	if m.cfg.Ring != nil {
		gapMS = m.cfg.Ring.GapMS()
	}
	m.emit(call.RecoveryDisconnected, gapMS, 0, "")

	start := time.Now()
	backoff := m.cfg.BackoffInitial

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if time.Since(start) > m.cfg.AttemptBudget {
			m.enterDegraded(fmt.Sprintf("budget exceeded after %d attempts", attempt-1))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		m.emit(call.RecoveryReconnectAttempt, 0, attempt, "")
		m.log.Info("reconnecting", "attempt", attempt, "max_attempts", m.cfg.MaxAttempts)

		sess, err := m.cfg.Reconnect(ctx)
		if err == nil {
			m.Watch(sess)

			m.mu.Lock()
			m.state = StateConnected
			m.lastEvent = time.Now()
			m.mu.Unlock()

			m.emit(call.RecoveryReconnectSuccess, 0, attempt, "")
			m.log.Info("reconnected", "attempt", attempt)

			m.catchUp(ctx)
			m.emit(call.RecoveryNormalRestored, 0, 0, "")
			return
		}

		m.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		m.emit(call.RecoveryReconnectFailed, 0, attempt, err.Error())

		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.BackoffCap {
			backoff = m.cfg.BackoffCap
		}
	}

	m.enterDegraded("max attempts reached")
}

func (m *Monitor) enterDegraded(reason string) {
	m.mu.Lock()
	m.state = StateDegraded
	m.degradedBuf = nil
	m.mu.Unlock()

	m.log.Error("entering degraded transcription mode", "reason", reason)
	m.emit(call.RecoveryDegradedEntered, 0, 0, reason)
}

// catchUp transcribes the audio that accumulated while disconnected and
// forwards it tagged, then advances the ring's sent cursor.
func (m *Monitor) catchUp(ctx context.Context) {
	if m.cfg.Ring == nil {
		return
	}
	gapMS := m.cfg.Ring.GapMS()
	if gapMS <= 0 {
		return
	}
	m.emit(call.RecoveryCatchupStarted, gapMS, 0, "")

	ulaw := m.cfg.Ring.UnsentBytes()
	m.cfg.Ring.CatchUp()

	text := m.transcribe(ctx, ulaw)
	if text != "" {
		m.emitText("[recovered] " + text)
	}
	m.emit(call.RecoveryCatchupCompleted, gapMS, 0, text)
}

// transcribe runs the fallback batch STT over μ-law audio and returns the
// text, empty when unavailable, failed, or judged hallucinated.
func (m *Monitor) transcribe(ctx context.Context, ulaw []byte) string {
	if m.cfg.Transcriber == nil || len(ulaw) == 0 {
		return ""
	}
	res, err := m.cfg.Transcriber.Transcribe(ctx, audio.UlawToWAV(ulaw), m.cfg.Language)
	if err != nil {
		m.log.Error("batch transcription failed", "error", err)
		return ""
	}
	if res.Suspect() {
		m.log.Debug("discarding suspect transcription", "text", res.Text)
		return ""
	}
	return strings.TrimSpace(res.Text)
}

func (m *Monitor) emit(t call.RecoveryEventType, gapMS int64, attempt int, detail string) {
	e := call.RecoveryEvent{
		Type:      t,
		Session:   m.cfg.Session,
		GapMS:     int(gapMS),
		Attempt:   attempt,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	m.call.AddRecoveryEvent(e)
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(e)
	}
}

func (m *Monitor) emitText(text string) {
	if m.cfg.OnRecoveredText != nil {
		m.cfg.OnRecoveredText(text)
	}
}
