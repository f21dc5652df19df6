package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// Guardrail is the hook Session A drives while a response streams. The
// transcript is fed incrementally; Blocking gates TTS forwarding while the
// current response is classified as disallowed.
type Guardrail interface {
	// Feed ingests a transcript delta for incremental classification.
	Feed(delta string)

	// Blocking reports whether TTS frames of the current response must be
	// withheld.
	Blocking() bool

	// FinishResponse is called once with the complete transcript when the
	// response's text is final. Level-2 correction and level-3 re-synthesis
	// are triggered from here.
	FinishResponse(full string)

	// Reset clears per-response state, on cancel and before each response.
	Reset()
}

// NopGuardrail ignores everything and never blocks.
type NopGuardrail struct{}

func (NopGuardrail) Feed(string)           {}
func (NopGuardrail) Blocking() bool        { return false }
func (NopGuardrail) FinishResponse(string) {}
func (NopGuardrail) Reset()                {}

// ToolExecutor runs one agent-mode function call and returns the result JSON.
type ToolExecutor interface {
	Execute(ctx context.Context, name, argsJSON string) (string, error)
}

// ASinks are the outbound wires of Session A, set by the pipeline. Nil sinks
// are skipped. Sinks run on the session's read goroutine and must not block.
type ASinks struct {
	// TTSAudio receives decoded audio bytes for the telephony carrier.
	TTSAudio func(data []byte)

	// Caption receives transcript/text deltas for the client.
	Caption func(delta string)

	// TurnComplete receives the final text of each completed response.
	TurnComplete func(text string)

	// ResponseDone fires after usage accounting, once per response.
	ResponseDone func()
}

// AHandler is the user→recipient half: it accepts user audio or text, drives
// the upstream session, and emits TTS frames plus caption deltas.
type AHandler struct {
	call      *call.Call
	guardrail Guardrail
	tools     ToolExecutor
	log       *slog.Logger

	mu          sync.Mutex
	sess        realtime.Session
	sinks       ASinks
	generating  bool
	userInputAt time.Time
	latencyDone bool
	transcript  []byte
	doneCh      chan struct{}

	// function-call argument accumulation, keyed by upstream call id
	fnArgs  map[string][]byte
	fnNames map[string]string
}

// AConfig configures an AHandler.
type AConfig struct {
	Call      *call.Call
	Guardrail Guardrail
	Tools     ToolExecutor
	Log       *slog.Logger
}

// NewAHandler creates the handler; Bind must be called before use.
func NewAHandler(cfg AConfig) *AHandler {
	g := cfg.Guardrail
	if g == nil {
		g = NopGuardrail{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &AHandler{
		call:      cfg.Call,
		guardrail: g,
		tools:     cfg.Tools,
		log:       log.With("component", "session", "session", "A"),
		fnArgs:    make(map[string][]byte),
		fnNames:   make(map[string]string),
	}
}

// SetSinks wires the output callbacks. Call before Bind.
func (h *AHandler) SetSinks(s ASinks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = s
}

// Bind attaches the handler to a session, registering all event handlers.
// Called at start and again after every recovery reconnect.
func (h *AHandler) Bind(sess realtime.Session) {
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	sess.On(realtime.EventAudioDelta, h.onAudioDelta)
	sess.On(realtime.EventAudioTranscriptDelta, h.onTextDelta)
	sess.On(realtime.EventTextDelta, h.onTextDelta)
	sess.On(realtime.EventAudioTranscriptDone, h.onTextDone)
	sess.On(realtime.EventTextDone, h.onTextDone)
	sess.On(realtime.EventResponseDone, h.onResponseDone)
	sess.On(realtime.EventFunctionCallDelta, h.onFunctionCallDelta)
	sess.On(realtime.EventFunctionCallDone, h.onFunctionCallDone)
}

// Session returns the currently bound session.
func (h *AHandler) Session() realtime.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

// IsGenerating reports whether a response is streaming.
func (h *AHandler) IsGenerating() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generating
}

// SendUserAudio forwards base64 PCM to the upstream input buffer.
func (h *AHandler) SendUserAudio(b64 string) error {
	return h.Session().SendAudio(b64)
}

// sampleLatencyLocked measures user-input-to-first-delta latency once per
// turn. Millisecond truncation can zero out a very fast first delta; the
// sample is clamped to 1ms so the turn still counts. Callers hold h.mu.
func (h *AHandler) sampleLatencyLocked(first bool) (float64, bool) {
	if !first || h.latencyDone || h.userInputAt.IsZero() {
		return 0, false
	}
	latencyMS := float64(time.Since(h.userInputAt).Milliseconds())
	if latencyMS < 1 {
		latencyMS = 1
	}
	h.latencyDone = true
	return latencyMS, true
}

// CommitUserAudio commits the buffered audio and stamps the user-input
// instant for turn-latency measurement.
func (h *AHandler) CommitUserAudio() error {
	h.mu.Lock()
	h.userInputAt = time.Now()
	h.latencyDone = false
	h.mu.Unlock()
	return h.Session().CommitAudio()
}

// SendUserText creates a user text item and stamps the user-input instant.
// It never requests a response; callers follow up with CreateResponse.
func (h *AHandler) SendUserText(text string) error {
	h.mu.Lock()
	h.userInputAt = time.Now()
	h.latencyDone = false
	h.mu.Unlock()
	return h.Session().SendTextItem(text)
}

// CreateResponse requests a response, optionally with per-response
// instruction override.
func (h *AHandler) CreateResponse(instructions string) error {
	h.guardrail.Reset()
	return h.Session().CreateResponse(instructions)
}

// Cancel cancels any in-flight response, resets guardrail state, and
// releases WaitForDone waiters.
func (h *AHandler) Cancel() error {
	h.mu.Lock()
	h.generating = false
	h.transcript = h.transcript[:0]
	if h.doneCh != nil {
		close(h.doneCh)
		h.doneCh = nil
	}
	h.mu.Unlock()

	h.guardrail.Reset()
	return h.Session().CancelResponse()
}

// WaitForDone blocks until the in-flight response completes or the timeout
// elapses. Returns immediately when idle.
func (h *AHandler) WaitForDone(timeout time.Duration) error {
	h.mu.Lock()
	if !h.generating {
		h.mu.Unlock()
		return nil
	}
	if h.doneCh == nil {
		h.doneCh = make(chan struct{})
	}
	ch := h.doneCh
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("session: A still generating after %s", timeout)
	}
}

// ── Event handlers ─────────────────────────────────────────────────────────────

func (h *AHandler) onAudioDelta(evt realtime.Event) {
	data, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil {
		h.log.Debug("discarding undecodable audio delta", "error", err)
		return
	}

	h.mu.Lock()
	first := !h.generating
	h.generating = true
	latencyMS, sampled := h.sampleLatencyLocked(first)
	sink := h.sinks.TTSAudio
	h.mu.Unlock()

	if sampled {
		h.call.AddTurnLatency(latencyMS)
		h.call.SetFirstMessageLatency(latencyMS)
	}
	if h.guardrail.Blocking() {
		return
	}
	if sink != nil {
		sink(data)
	}
}

func (h *AHandler) onTextDelta(evt realtime.Event) {
	if evt.Delta == "" {
		return
	}

	h.mu.Lock()
	// Text-only modes never see an audio delta; the first text delta opens
	// the turn and samples latency instead.
	first := !h.generating
	h.generating = true
	latencyMS, sampled := h.sampleLatencyLocked(first)
	h.transcript = append(h.transcript, evt.Delta...)
	sink := h.sinks.Caption
	h.mu.Unlock()

	if sampled {
		h.call.AddTurnLatency(latencyMS)
		h.call.SetFirstMessageLatency(latencyMS)
	}
	h.guardrail.Feed(evt.Delta)
	if sink != nil && !h.guardrail.Blocking() {
		sink(evt.Delta)
	}
}

func (h *AHandler) onTextDone(evt realtime.Event) {
	text := evt.Transcript
	if text == "" {
		text = evt.Text
	}

	h.mu.Lock()
	if text == "" {
		text = string(h.transcript)
	}
	h.transcript = h.transcript[:0]
	sink := h.sinks.TurnComplete
	h.mu.Unlock()

	if text == "" {
		return
	}

	h.call.AppendTranscript(call.TranscriptEntry{
		Role:       call.RoleUser,
		Translated: text,
		Language:   h.call.TargetLang,
	})
	h.guardrail.FinishResponse(text)
	if sink != nil {
		sink(text)
	}
}

func (h *AHandler) onResponseDone(evt realtime.Event) {
	if evt.Response != nil && evt.Response.Usage != nil {
		h.call.AddUsage(*evt.Response.Usage)
	}

	h.mu.Lock()
	h.generating = false
	if h.doneCh != nil {
		close(h.doneCh)
		h.doneCh = nil
	}
	sink := h.sinks.ResponseDone
	h.mu.Unlock()

	if sink != nil {
		sink()
	}
}

func (h *AHandler) onFunctionCallDelta(evt realtime.Event) {
	if evt.CallID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fnArgs[evt.CallID] = append(h.fnArgs[evt.CallID], evt.Delta...)
	if evt.Name != "" {
		h.fnNames[evt.CallID] = evt.Name
	}
}

func (h *AHandler) onFunctionCallDone(evt realtime.Event) {
	if h.tools == nil || evt.CallID == "" {
		return
	}

	h.mu.Lock()
	args := evt.Arguments
	if args == "" {
		args = string(h.fnArgs[evt.CallID])
	}
	name := evt.Name
	if name == "" {
		name = h.fnNames[evt.CallID]
	}
	delete(h.fnArgs, evt.CallID)
	delete(h.fnNames, evt.CallID)
	sess := h.sess
	h.mu.Unlock()

	if name == "" {
		h.log.Warn("function call without a name", "call_id", evt.CallID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.tools.Execute(ctx, name, args)
	if err != nil {
		h.log.Error("tool execution failed", "tool", name, "error", err)
		result = fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	h.call.AddFunctionCall(call.FunctionCallRecord{Name: name, Arguments: args, Result: result})

	if err := sess.SendFunctionCallOutput(evt.CallID, result); err != nil {
		h.log.Error("sending tool result failed", "tool", name, "error", err)
		return
	}
	// Let the model speak its follow-up using the tool result.
	if err := sess.CreateResponse(""); err != nil {
		h.log.Error("response after tool result failed", "tool", name, "error", err)
	}
}
