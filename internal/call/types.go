// Package call holds the per-call aggregate and the central registry that
// owns every live call.
//
// A Call is mutated by exactly one pipeline for its entire lifetime; the
// counters and logs on it have single writers. The mutex exists because
// metrics snapshots, persistence, and the summary log read concurrently from
// other goroutines.
package call

import (
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// Mode selects the overall behavior of a call.
type Mode string

const (
	// ModeRelay translates both directions verbatim.
	ModeRelay Mode = "relay"

	// ModeAgent lets the AI conduct the conversation on the user's behalf,
	// with function-calling tools enabled.
	ModeAgent Mode = "agent"
)

// CommMode selects how the user communicates with the relay.
type CommMode string

const (
	CommVoiceToVoice CommMode = "voice_to_voice"
	CommVoiceToText  CommMode = "voice_to_text"
	CommTextToVoice  CommMode = "text_to_voice"
	CommFullAgent    CommMode = "full_agent"
)

// Valid reports whether m is one of the four communication modes.
func (m CommMode) Valid() bool {
	switch m {
	case CommVoiceToVoice, CommVoiceToText, CommTextToVoice, CommFullAgent:
		return true
	}
	return false
}

// Status is the lifecycle state of a call.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDialing   Status = "dialing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleRecipient = "recipient"
)

// TranscriptEntry is one utterance in the bilingual transcript.
type TranscriptEntry struct {
	// Role is RoleUser or RoleRecipient.
	Role string

	// Original is the utterance in the speaker's language.
	Original string

	// Translated is the utterance in the listener's language. May be empty
	// when only one side of the pair was observed.
	Translated string

	// Language is the tag of the original text.
	Language string

	Timestamp time.Time
}

// TokenUsage accumulates upstream token counters across both sessions.
type TokenUsage struct {
	TotalTokens       int
	InputTokens       int
	OutputTokens      int
	InputAudioTokens  int
	InputTextTokens   int
	InputCachedTokens int
	OutputAudioTokens int
	OutputTextTokens  int
}

// Published gpt-4o-realtime rates in USD per million tokens, used for the
// cost estimate in the call summary.
const (
	rateInputTextPerM   = 5.0
	rateInputAudioPerM  = 40.0
	rateCachedPerM      = 2.5
	rateOutputTextPerM  = 20.0
	rateOutputAudioPerM = 80.0
)

// add folds one response.done usage report into the totals.
func (u *TokenUsage) add(usage realtime.Usage) {
	u.TotalTokens += usage.TotalTokens
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
	u.InputAudioTokens += usage.InputTokenDetails.AudioTokens
	u.InputTextTokens += usage.InputTokenDetails.TextTokens
	u.InputCachedTokens += usage.InputTokenDetails.CachedTokens
	u.OutputAudioTokens += usage.OutputTokenDetails.AudioTokens
	u.OutputTextTokens += usage.OutputTokenDetails.TextTokens
}

// EstimatedCostUSD computes an approximate cost from the accumulated counters.
func (u TokenUsage) EstimatedCostUSD() float64 {
	const m = 1_000_000.0
	uncached := u.InputTextTokens - u.InputCachedTokens
	if uncached < 0 {
		uncached = 0
	}
	return float64(uncached)*rateInputTextPerM/m +
		float64(u.InputAudioTokens)*rateInputAudioPerM/m +
		float64(u.InputCachedTokens)*rateCachedPerM/m +
		float64(u.OutputTextTokens)*rateOutputTextPerM/m +
		float64(u.OutputAudioTokens)*rateOutputAudioPerM/m
}

// RecoveryEventType enumerates session-recovery state transitions.
type RecoveryEventType string

const (
	RecoveryDisconnected     RecoveryEventType = "session_disconnected"
	RecoveryReconnectAttempt RecoveryEventType = "reconnect_attempt"
	RecoveryReconnectSuccess RecoveryEventType = "reconnect_success"
	RecoveryReconnectFailed  RecoveryEventType = "reconnect_failed"
	RecoveryCatchupStarted   RecoveryEventType = "catchup_started"
	RecoveryCatchupCompleted RecoveryEventType = "catchup_completed"
	RecoveryDegradedEntered  RecoveryEventType = "degraded_entered"
	RecoveryDegradedExited   RecoveryEventType = "degraded_exited"
	RecoveryNormalRestored   RecoveryEventType = "normal_restored"
)

// RecoveryEvent is one recovery state transition, append-only on the Call.
type RecoveryEvent struct {
	Type RecoveryEventType

	// Session is the session label, "A" or "B".
	Session string

	// GapMS is the unsent-audio gap at the time of the event.
	GapMS int

	// Attempt is the reconnect attempt number, zero when not applicable.
	Attempt int

	Detail    string
	Timestamp time.Time
}

// GuardrailEvent records one guardrail trigger on an outbound response.
type GuardrailEvent struct {
	// Level is 1 (log), 2 (async correction) or 3 (block).
	Level int

	Original  string
	Corrected string

	// CorrectionTime is how long the corrector took, zero for level 1.
	CorrectionTime time.Duration

	Timestamp time.Time
}

// FunctionCallRecord is one executed agent tool call.
type FunctionCallRecord struct {
	Name      string
	Arguments string
	Result    string
	Timestamp time.Time
}

// Metrics holds the per-call counters and latency samples.
type Metrics struct {
	// TurnLatenciesMS are per-turn commit-to-first-audio samples.
	TurnLatenciesMS []float64

	// FirstMessageLatencyMS is set once, on the first TTS chunk of the call,
	// and never reset across recoveries.
	FirstMessageLatencyMS float64

	TurnCount         int
	EchoSuppressions  int
	EchoBreakthroughs int
	GuardrailTriggers int
	VADFalseTriggers  int
	RecoveryCount     int
}

// AvgTurnLatencyMS returns the mean turn latency, zero with no samples.
func (m Metrics) AvgTurnLatencyMS() float64 {
	if len(m.TurnLatenciesMS) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.TurnLatenciesMS {
		sum += v
	}
	return sum / float64(len(m.TurnLatenciesMS))
}

// Call is the per-call aggregate.
type Call struct {
	mu sync.Mutex

	// Immutable identity, set at creation.
	ID         string
	Mode       Mode
	CommMode   CommMode
	SourceLang string
	TargetLang string
	CreatedAt  time.Time

	carrierCallID string
	streamSid     string
	status        Status
	startedAt     time.Time
	endedAt       time.Time

	transcript       []TranscriptEntry
	usage            TokenUsage
	metrics          Metrics
	recoveryEvents   []RecoveryEvent
	guardrailEvents  []GuardrailEvent
	functionCalls    []FunctionCallRecord
	firstMessageSent bool

	collected map[string]string
	result    string
}

// New creates a Call in StatusPending.
func New(id string, mode Mode, comm CommMode, sourceLang, targetLang string) *Call {
	return &Call{
		ID:         id,
		Mode:       mode,
		CommMode:   comm,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		CreatedAt:  time.Now().UTC(),
		status:     StatusPending,
		collected:  make(map[string]string),
	}
}

// SetCarrier records the carrier-side call id and media stream id.
func (c *Call) SetCarrier(callID, streamSid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if callID != "" {
		c.carrierCallID = callID
	}
	if streamSid != "" {
		c.streamSid = streamSid
	}
}

// Carrier returns the carrier-side call id and media stream id.
func (c *Call) Carrier() (callID, streamSid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.carrierCallID, c.streamSid
}

// Status returns the current lifecycle state.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus transitions the lifecycle state, stamping startedAt on the first
// transition to StatusConnected and endedAt on StatusEnded/StatusFailed.
func (c *Call) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	now := time.Now().UTC()
	switch s {
	case StatusConnected:
		if c.startedAt.IsZero() {
			c.startedAt = now
		}
	case StatusEnded, StatusFailed:
		if c.endedAt.IsZero() {
			c.endedAt = now
		}
	}
}

// Duration is the connected duration, or time since creation if the call
// never connected.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.startedAt
	if start.IsZero() {
		start = c.CreatedAt
	}
	end := c.endedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(start)
}

// AppendTranscript appends one utterance.
func (c *Call) AppendTranscript(e TranscriptEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, e)
}

// Transcript returns a copy of the transcript.
func (c *Call) Transcript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TranscriptEntry(nil), c.transcript...)
}

// TranscriptTail returns up to n most recent entries.
func (c *Call) TranscriptTail(n int) []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.transcript) {
		return append([]TranscriptEntry(nil), c.transcript...)
	}
	return append([]TranscriptEntry(nil), c.transcript[len(c.transcript)-n:]...)
}

// AddUsage folds one response.done usage report into the totals.
func (c *Call) AddUsage(u realtime.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.add(u)
}

// Usage returns the accumulated token counters.
func (c *Call) Usage() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// AddTurnLatency appends one commit-to-first-audio sample and increments the
// turn counter.
func (c *Call) AddTurnLatency(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.TurnLatenciesMS = append(c.metrics.TurnLatenciesMS, ms)
	c.metrics.TurnCount++
}

// SetFirstMessageLatency records the first-TTS-chunk latency once; later
// calls are ignored.
func (c *Call) SetFirstMessageLatency(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics.FirstMessageLatencyMS == 0 && ms > 0 {
		c.metrics.FirstMessageLatencyMS = ms
	}
}

// MarkFirstMessageSent sets the first-message flag and reports whether it was
// already set.
func (c *Call) MarkFirstMessageSent() (already bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	already = c.firstMessageSent
	c.firstMessageSent = true
	return already
}

// FirstMessageSent reports the first-message flag.
func (c *Call) FirstMessageSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstMessageSent
}

// IncEchoSuppression increments the echo-suppression activation counter.
func (c *Call) IncEchoSuppression() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.EchoSuppressions++
}

// IncEchoBreakthrough increments the echo-gate breakthrough counter.
func (c *Call) IncEchoBreakthrough() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.EchoBreakthroughs++
}

// IncVADFalseTrigger counts an utterance discarded below the minimum speech
// duration.
func (c *Call) IncVADFalseTrigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.VADFalseTriggers++
}

// Metrics returns a copy of the counters and samples.
func (c *Call) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.TurnLatenciesMS = append([]float64(nil), c.metrics.TurnLatenciesMS...)
	return m
}

// AddRecoveryEvent appends a recovery transition.
func (c *Call) AddRecoveryEvent(e RecoveryEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveryEvents = append(c.recoveryEvents, e)
	c.metrics.RecoveryCount++
}

// RecoveryEvents returns a copy of the recovery log.
func (c *Call) RecoveryEvents() []RecoveryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecoveryEvent(nil), c.recoveryEvents...)
}

// AddGuardrailEvent appends a guardrail trigger.
func (c *Call) AddGuardrailEvent(e GuardrailEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guardrailEvents = append(c.guardrailEvents, e)
	c.metrics.GuardrailTriggers++
}

// GuardrailEvents returns a copy of the guardrail log.
func (c *Call) GuardrailEvents() []GuardrailEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]GuardrailEvent(nil), c.guardrailEvents...)
}

// AddFunctionCall appends an executed tool call.
func (c *Call) AddFunctionCall(r FunctionCallRecord) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functionCalls = append(c.functionCalls, r)
}

// FunctionCalls returns a copy of the tool-call log.
func (c *Call) FunctionCalls() []FunctionCallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FunctionCallRecord(nil), c.functionCalls...)
}

// SetCollected stores one agent-mode collected datum.
func (c *Call) SetCollected(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collected[key] = value
}

// Collected returns a copy of the agent-mode collected data.
func (c *Call) Collected() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.collected))
	for k, v := range c.collected {
		out[k] = v
	}
	return out
}

// SetResult stores the agent-mode result judgement.
func (c *Call) SetResult(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = result
}

// Result returns the agent-mode result judgement.
func (c *Call) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Snapshot is a consistent read-only copy of a Call for persistence and the
// control-plane status endpoint.
type Snapshot struct {
	ID              string
	CarrierCallID   string
	StreamSid       string
	Mode            Mode
	CommMode        CommMode
	SourceLang      string
	TargetLang      string
	Status          Status
	Result          string
	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         time.Time
	Transcript      []TranscriptEntry
	Usage           TokenUsage
	Metrics         Metrics
	RecoveryEvents  []RecoveryEvent
	GuardrailEvents []GuardrailEvent
	FunctionCalls   []FunctionCallRecord
	Collected       map[string]string
}

// Snapshot returns a deep copy of the call state.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	collected := make(map[string]string, len(c.collected))
	for k, v := range c.collected {
		collected[k] = v
	}
	m := c.metrics
	m.TurnLatenciesMS = append([]float64(nil), c.metrics.TurnLatenciesMS...)

	return Snapshot{
		ID:              c.ID,
		CarrierCallID:   c.carrierCallID,
		StreamSid:       c.streamSid,
		Mode:            c.Mode,
		CommMode:        c.CommMode,
		SourceLang:      c.SourceLang,
		TargetLang:      c.TargetLang,
		Status:          c.status,
		Result:          c.result,
		CreatedAt:       c.CreatedAt,
		StartedAt:       c.startedAt,
		EndedAt:         c.endedAt,
		Transcript:      append([]TranscriptEntry(nil), c.transcript...),
		Usage:           c.usage,
		Metrics:         m,
		RecoveryEvents:  append([]RecoveryEvent(nil), c.recoveryEvents...),
		GuardrailEvents: append([]GuardrailEvent(nil), c.guardrailEvents...),
		FunctionCalls:   append([]FunctionCallRecord(nil), c.functionCalls...),
		Collected:       collected,
	}
}
