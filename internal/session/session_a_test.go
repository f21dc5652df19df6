package session

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/realtime/mock"
)

func newTestCall() *call.Call {
	return call.New("call-1", call.ModeRelay, call.CommVoiceToVoice, "en", "es")
}

type scriptedGuardrail struct {
	fed      []string
	blocking bool
	finished []string
	resets   int
}

func (g *scriptedGuardrail) Feed(delta string)       { g.fed = append(g.fed, delta) }
func (g *scriptedGuardrail) Blocking() bool          { return g.blocking }
func (g *scriptedGuardrail) FinishResponse(s string) { g.finished = append(g.finished, s) }
func (g *scriptedGuardrail) Reset()                  { g.resets++ }

type scriptedTools struct {
	calls []string
	out   string
	err   error
}

func (t *scriptedTools) Execute(_ context.Context, name, args string) (string, error) {
	t.calls = append(t.calls, name+"|"+args)
	return t.out, t.err
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newBoundA(t *testing.T, cfg AConfig) (*AHandler, *mock.Session) {
	t.Helper()
	if cfg.Call == nil {
		cfg.Call = newTestCall()
	}
	h := NewAHandler(cfg)
	sess := mock.NewSession()
	h.Bind(sess)
	return h, sess
}

func TestAHandlerForwardsTTSAudio(t *testing.T) {
	t.Parallel()
	h, sess := newBoundA(t, AConfig{})
	var got []byte
	h.SetSinks(ASinks{TTSAudio: func(d []byte) { got = append(got, d...) }})

	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("pcm")})
	if string(got) != "pcm" {
		t.Errorf("sink got %q", got)
	}
	if !h.IsGenerating() {
		t.Error("first audio delta must mark the handler generating")
	}
}

func TestAHandlerTurnLatencySampledOnFirstDelta(t *testing.T) {
	t.Parallel()
	c := newTestCall()
	h, sess := newBoundA(t, AConfig{Call: c})
	h.SetSinks(ASinks{})

	if err := h.CommitUserAudio(); err != nil {
		t.Fatalf("CommitUserAudio: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("x")})
	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("y")})

	m := c.Metrics()
	if len(m.TurnLatenciesMS) != 1 {
		t.Fatalf("latency samples = %d, want 1", len(m.TurnLatenciesMS))
	}
	if m.TurnLatenciesMS[0] <= 0 {
		t.Errorf("latency = %v, want > 0", m.TurnLatenciesMS[0])
	}
	if m.FirstMessageLatencyMS != m.TurnLatenciesMS[0] {
		t.Errorf("first message latency = %v, want %v", m.FirstMessageLatencyMS, m.TurnLatenciesMS[0])
	}
}

func TestAHandlerSubMillisecondFirstDeltaStillCounts(t *testing.T) {
	t.Parallel()
	c := newTestCall()
	h, sess := newBoundA(t, AConfig{Call: c})
	h.SetSinks(ASinks{})

	// First delta lands in the same millisecond as the commit.
	if err := h.CommitUserAudio(); err != nil {
		t.Fatalf("CommitUserAudio: %v", err)
	}
	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("x")})

	m := c.Metrics()
	if m.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", m.TurnCount)
	}
	if len(m.TurnLatenciesMS) != 1 || m.TurnLatenciesMS[0] < 1 {
		t.Errorf("latency samples = %v, want one sample of at least 1ms", m.TurnLatenciesMS)
	}
	if m.FirstMessageLatencyMS < 1 {
		t.Errorf("first message latency = %v, want at least 1ms", m.FirstMessageLatencyMS)
	}
}

func TestAHandlerGuardrailBlocksAudio(t *testing.T) {
	t.Parallel()
	g := &scriptedGuardrail{blocking: true}
	h, sess := newBoundA(t, AConfig{Guardrail: g})
	var sunk int
	h.SetSinks(ASinks{TTSAudio: func([]byte) { sunk++ }})

	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("x")})
	if sunk != 0 {
		t.Errorf("audio forwarded %d times while blocked", sunk)
	}
}

func TestAHandlerCaptionsFeedGuardrail(t *testing.T) {
	t.Parallel()
	g := &scriptedGuardrail{}
	h, sess := newBoundA(t, AConfig{Guardrail: g})
	var caption string
	h.SetSinks(ASinks{Caption: func(d string) { caption += d }})

	sess.Emit(realtime.Event{Type: realtime.EventAudioTranscriptDelta, Delta: "Hola "})
	sess.Emit(realtime.Event{Type: realtime.EventAudioTranscriptDelta, Delta: "mundo"})

	if caption != "Hola mundo" {
		t.Errorf("caption = %q", caption)
	}
	if len(g.fed) != 2 {
		t.Errorf("guardrail fed %d deltas, want 2", len(g.fed))
	}
}

func TestAHandlerTranscriptDoneAppendsEntry(t *testing.T) {
	t.Parallel()
	c := newTestCall()
	g := &scriptedGuardrail{}
	h, sess := newBoundA(t, AConfig{Call: c, Guardrail: g})
	var final string
	h.SetSinks(ASinks{TurnComplete: func(s string) { final = s }})

	sess.Emit(realtime.Event{Type: realtime.EventAudioTranscriptDone, Transcript: "Hola mundo"})

	entries := c.Transcript()
	if len(entries) != 1 {
		t.Fatalf("transcript entries = %d, want 1", len(entries))
	}
	if entries[0].Role != call.RoleUser || entries[0].Translated != "Hola mundo" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].Language != "es" {
		t.Errorf("language = %q, want target language", entries[0].Language)
	}
	if final != "Hola mundo" {
		t.Errorf("TurnComplete got %q", final)
	}
	if len(g.finished) != 1 || g.finished[0] != "Hola mundo" {
		t.Errorf("guardrail finished = %v", g.finished)
	}
}

func TestAHandlerTranscriptDoneFallsBackToAccumulatedDeltas(t *testing.T) {
	t.Parallel()
	h, sess := newBoundA(t, AConfig{})
	var final string
	h.SetSinks(ASinks{TurnComplete: func(s string) { final = s }})

	sess.Emit(realtime.Event{Type: realtime.EventTextDelta, Delta: "ab"})
	sess.Emit(realtime.Event{Type: realtime.EventTextDelta, Delta: "cd"})
	sess.Emit(realtime.Event{Type: realtime.EventTextDone})

	if final != "abcd" {
		t.Errorf("final = %q, want accumulated deltas", final)
	}
}

func TestAHandlerResponseDoneAccumulatesUsage(t *testing.T) {
	t.Parallel()
	c := newTestCall()
	h, sess := newBoundA(t, AConfig{Call: c})
	done := 0
	h.SetSinks(ASinks{ResponseDone: func() { done++ }})

	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("x")})
	sess.Emit(realtime.Event{Type: realtime.EventResponseDone, Response: &realtime.ResponseInfo{
		Usage: &realtime.Usage{TotalTokens: 42, InputTokens: 30, OutputTokens: 12},
	}})

	if h.IsGenerating() {
		t.Error("still generating after response.done")
	}
	if got := c.Usage().TotalTokens; got != 42 {
		t.Errorf("total tokens = %d, want 42", got)
	}
	if done != 1 {
		t.Errorf("ResponseDone fired %d times", done)
	}
}

func TestAHandlerCancelResetsState(t *testing.T) {
	t.Parallel()
	g := &scriptedGuardrail{}
	h, sess := newBoundA(t, AConfig{Guardrail: g})
	h.SetSinks(ASinks{})

	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("x")})
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if h.IsGenerating() {
		t.Error("generating after cancel")
	}
	if len(sess.OpsOf("cancel_response")) != 1 {
		t.Error("cancel_response not sent")
	}
	if g.resets == 0 {
		t.Error("guardrail not reset")
	}
}

func TestAHandlerWaitForDone(t *testing.T) {
	t.Parallel()
	h, sess := newBoundA(t, AConfig{})
	h.SetSinks(ASinks{})

	if err := h.WaitForDone(time.Millisecond); err != nil {
		t.Fatalf("WaitForDone while idle: %v", err)
	}

	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Delta: b64("x")})
	if err := h.WaitForDone(10 * time.Millisecond); err == nil {
		t.Fatal("expected timeout while generating")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		sess.Emit(realtime.Event{Type: realtime.EventResponseDone})
	}()
	if err := h.WaitForDone(2 * time.Second); err != nil {
		t.Errorf("WaitForDone: %v", err)
	}
}

func TestAHandlerFunctionCallRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCall()
	tools := &scriptedTools{out: `{"confirmed":true}`}
	_, sess := newBoundA(t, AConfig{Call: c, Tools: tools})

	sess.Emit(realtime.Event{Type: realtime.EventFunctionCallDelta, CallID: "fc_1", Name: "confirm_reservation", Delta: `{"time":`})
	sess.Emit(realtime.Event{Type: realtime.EventFunctionCallDelta, CallID: "fc_1", Delta: `"19:00"}`})
	sess.Emit(realtime.Event{Type: realtime.EventFunctionCallDone, CallID: "fc_1"})

	if len(tools.calls) != 1 || tools.calls[0] != `confirm_reservation|{"time":"19:00"}` {
		t.Fatalf("tool calls = %v", tools.calls)
	}

	outs := sess.OpsOf("function_call_output")
	if len(outs) != 1 || outs[0].CallID != "fc_1" || outs[0].Payload != `{"confirmed":true}` {
		t.Fatalf("function_call_output = %+v", outs)
	}
	if len(sess.OpsOf("create_response")) != 1 {
		t.Error("no follow-up response requested after tool result")
	}

	records := c.FunctionCalls()
	if len(records) != 1 || records[0].Name != "confirm_reservation" {
		t.Errorf("records = %+v", records)
	}
}

func TestAHandlerFunctionCallErrorReportedToModel(t *testing.T) {
	t.Parallel()
	tools := &scriptedTools{err: errors.New("no availability")}
	_, sess := newBoundA(t, AConfig{Tools: tools})

	sess.Emit(realtime.Event{Type: realtime.EventFunctionCallDone, CallID: "fc_2", Name: "search_location", Arguments: `{}`})

	outs := sess.OpsOf("function_call_output")
	if len(outs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outs))
	}
	if outs[0].Payload == "" || outs[0].Payload == "{}" {
		t.Errorf("payload = %q, want error JSON", outs[0].Payload)
	}
}

func TestAHandlerSendUserTextRecordsOps(t *testing.T) {
	t.Parallel()
	h, sess := newBoundA(t, AConfig{})

	if err := h.SendUserText("[User says in en]: hello"); err != nil {
		t.Fatalf("SendUserText: %v", err)
	}
	if err := h.CreateResponse("say exactly this"); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	items := sess.OpsOf("send_text_item")
	if len(items) != 1 || items[0].Payload != "[User says in en]: hello" {
		t.Errorf("text items = %+v", items)
	}
	resp := sess.OpsOf("create_response")
	if len(resp) != 1 || resp[0].Payload != "say exactly this" {
		t.Errorf("create_response = %+v", resp)
	}
}
