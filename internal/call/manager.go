package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// timeRound is the precision of durations in the call summary log.
const timeRound = 100 * time.Millisecond

// Resources are the teardown hooks for one call, wired incrementally as the
// call's components come up. Every field is optional; nil hooks are skipped.
// Cleanup invokes them in declaration order.
type Resources struct {
	// HangupCarrier asks the carrier to end the phone call.
	HangupCarrier func(ctx context.Context) error

	// StopPipeline stops the pipeline and its timers.
	StopPipeline func(ctx context.Context) error

	// CancelListeners cancels the per-call listen goroutines.
	CancelListeners func()

	// CloseSessions closes both upstream realtime sessions.
	CloseSessions func() error

	// NotifyClient sends the final call_status to the client app and closes
	// its WebSocket.
	NotifyClient func(reason string)

	// Persist writes the final call snapshot.
	Persist func(ctx context.Context, snap Snapshot) error
}

type entry struct {
	call *Call
	res  Resources

	// cleanupMu serializes concurrent cleanup requests for this call.
	cleanupMu sync.Mutex
	cleaned   bool
}

// Manager is the central registry of live calls. Entries are inserted at
// start time and removed exactly once by Cleanup. All exported methods are
// safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *slog.Logger
}

// NewManager creates an empty call registry.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		entries: make(map[string]*entry),
		log:     log.With("component", "callmanager"),
	}
}

// Register inserts a new call. The id must not already be registered.
func (m *Manager) Register(c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[c.ID]; ok {
		return fmt.Errorf("call: id %s already registered", c.ID)
	}
	m.entries[c.ID] = &entry{call: c}
	m.log.Info("call registered",
		"call_id", c.ID,
		"mode", c.Mode,
		"comm_mode", c.CommMode,
		"source_lang", c.SourceLang,
		"target_lang", c.TargetLang,
	)
	return nil
}

// Get returns the call for id.
func (m *Manager) Get(id string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.call, true
}

// UpdateResources mutates the teardown hooks for id under the registry lock.
// Components call this as they attach (pipeline, telephony socket, client
// socket).
func (m *Manager) UpdateResources(id string, fn func(*Resources)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("call: id %s not registered", id)
	}
	fn(&e.res)
	return nil
}

// ActiveCount returns the number of registered calls.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// IDs returns the ids of all registered calls.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// Cleanup tears down the call exactly once and removes it from the registry.
// Concurrent and repeated invocations are safe; later calls are no-ops.
// Teardown steps run in a fixed order and a failing step never prevents the
// following ones; all step errors are joined in the return value.
func (m *Manager) Cleanup(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	if e.cleaned {
		return nil
	}
	e.cleaned = true

	log := m.log.With("call_id", id, "reason", reason)
	log.Info("cleanup started")

	c := e.call
	if c.Status() != StatusFailed {
		c.SetStatus(StatusEnded)
	}

	var errs []error

	if e.res.HangupCarrier != nil {
		if err := e.res.HangupCarrier(ctx); err != nil {
			log.Warn("carrier hangup failed", "error", err)
			errs = append(errs, fmt.Errorf("call: carrier hangup: %w", err))
		}
	}
	if e.res.StopPipeline != nil {
		if err := e.res.StopPipeline(ctx); err != nil {
			log.Warn("pipeline stop failed", "error", err)
			errs = append(errs, fmt.Errorf("call: pipeline stop: %w", err))
		}
	}
	if e.res.CancelListeners != nil {
		e.res.CancelListeners()
	}
	if e.res.CloseSessions != nil {
		if err := e.res.CloseSessions(); err != nil {
			log.Warn("session close failed", "error", err)
			errs = append(errs, fmt.Errorf("call: session close: %w", err))
		}
	}
	if e.res.NotifyClient != nil {
		e.res.NotifyClient(reason)
	}
	if e.res.Persist != nil {
		if err := e.res.Persist(ctx, c.Snapshot()); err != nil {
			// Persistence failures never affect call teardown.
			log.Error("final persist failed", "error", err)
		}
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	m.logSummary(c, reason)
	return errors.Join(errs...)
}

// ShutdownAll cleans up every registered call, for process shutdown.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Cleanup(ctx, id, "server_shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// logSummary emits the one-line end-of-call summary.
func (m *Manager) logSummary(c *Call, reason string) {
	metrics := c.Metrics()
	usage := c.Usage()
	m.log.Info("call summary",
		"call_id", c.ID,
		"reason", reason,
		"status", c.Status(),
		"duration", c.Duration().Round(timeRound),
		"turns", metrics.TurnCount,
		"avg_turn_latency_ms", int(metrics.AvgTurnLatencyMS()),
		"first_message_latency_ms", int(metrics.FirstMessageLatencyMS),
		"echo_suppressions", metrics.EchoSuppressions,
		"echo_breakthroughs", metrics.EchoBreakthroughs,
		"guardrail_triggers", metrics.GuardrailTriggers,
		"vad_false_triggers", metrics.VADFalseTriggers,
		"recovery_events", metrics.RecoveryCount,
		"total_tokens", usage.TotalTokens,
		"estimated_cost_usd", fmt.Sprintf("%.4f", usage.EstimatedCostUSD()),
	)
}
