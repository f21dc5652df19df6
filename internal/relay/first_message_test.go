package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/call"
)

type firstMessageRecorder struct {
	sent      []string
	responded []string
	connected int
	waited    int
}

func (r *firstMessageRecorder) config(c *call.Call, lang string, exact bool) FirstMessageConfig {
	return FirstMessageConfig{
		Call:       c,
		TargetLang: lang,
		Exact:      exact,
		WaitIdle:   func(time.Duration) error { r.waited++; return nil },
		SendText:   func(text string) error { r.sent = append(r.sent, text); return nil },
		Respond: func(instr string) error {
			r.responded = append(r.responded, instr)
			return nil
		},
		NotifyConnected: func() { r.connected++ },
	}
}

func TestFirstMessageNormalDispatch(t *testing.T) {
	t.Parallel()
	c := call.New("c1", call.ModeRelay, call.CommVoiceToVoice, "en", "es")
	rec := &firstMessageRecorder{}
	f := NewFirstMessage(rec.config(c, "es", false))

	f.OnRecipientSpeech()

	if rec.waited != 1 {
		t.Errorf("waited = %d, want 1", rec.waited)
	}
	if len(rec.sent) != 1 || !strings.Contains(rec.sent[0], "intérprete") {
		t.Errorf("sent = %v, want the Spanish greeting as user text", rec.sent)
	}
	if len(rec.responded) != 1 || rec.responded[0] != "" {
		t.Errorf("responded = %v, want one plain response request", rec.responded)
	}
	if rec.connected != 1 {
		t.Errorf("connected notifications = %d, want 1", rec.connected)
	}
}

func TestFirstMessageExactDispatch(t *testing.T) {
	t.Parallel()
	c := call.New("c1", call.ModeRelay, call.CommTextToVoice, "en", "fr")
	rec := &firstMessageRecorder{}
	f := NewFirstMessage(rec.config(c, "fr", true))

	f.OnRecipientSpeech()

	if len(rec.sent) != 0 {
		t.Errorf("exact dispatch sent user text: %v", rec.sent)
	}
	if len(rec.responded) != 1 {
		t.Fatalf("responded = %v", rec.responded)
	}
	instr := rec.responded[0]
	if !strings.Contains(instr, "Say exactly") || !strings.Contains(instr, "interprète") {
		t.Errorf("instruction = %q", instr)
	}
}

func TestFirstMessageFiresOnce(t *testing.T) {
	t.Parallel()
	c := call.New("c1", call.ModeRelay, call.CommVoiceToVoice, "en", "es")
	rec := &firstMessageRecorder{}
	f := NewFirstMessage(rec.config(c, "es", false))

	f.OnRecipientSpeech()
	f.OnRecipientSpeech()
	f.OnRecipientSpeech()

	if len(rec.sent) != 1 || rec.connected != 1 {
		t.Errorf("sent=%d connected=%d, want 1 each", len(rec.sent), rec.connected)
	}
	if !c.FirstMessageSent() {
		t.Error("sent flag not recorded on the call")
	}
}

func TestGreetingFallsBackToEnglish(t *testing.T) {
	t.Parallel()
	if g := greetingFor("tlh"); g != greetings["en"] {
		t.Errorf("fallback greeting = %q", g)
	}
	if g := greetingFor("ja"); g == greetings["en"] {
		t.Error("known language fell back to English")
	}
}
