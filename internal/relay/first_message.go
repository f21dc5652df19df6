package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/parlancehq/parlance/internal/call"
)

// firstMessageIdleWait bounds how long the first greeting waits for Session A
// to finish an in-flight response before sending anyway.
const firstMessageIdleWait = 3 * time.Second

// greetings are the AI-identification utterances, by language tag. The
// recipient hears this before anything else so they know a relay is on the
// line.
var greetings = map[string]string{
	"en": "Hello, this is an AI interpreter relaying a call. Please speak normally and I will translate.",
	"es": "Hola, soy un intérprete de IA retransmitiendo una llamada. Hable con normalidad y yo traduciré.",
	"fr": "Bonjour, je suis un interprète IA qui relaie un appel. Parlez normalement et je traduirai.",
	"de": "Hallo, hier spricht ein KI-Dolmetscher, der einen Anruf weiterleitet. Sprechen Sie ganz normal, ich übersetze.",
	"ja": "こんにちは、こちらはAI通訳です。通話を中継しています。普通にお話しください、通訳いたします。",
	"zh": "您好，我是AI翻译，正在为您转接通话。请正常讲话，我会为您翻译。",
}

// greetingFor returns the identification utterance for a language tag,
// falling back to English.
func greetingFor(lang string) string {
	if g, ok := greetings[lang]; ok {
		return g
	}
	return greetings["en"]
}

// FirstMessageConfig wires the one-shot greeting.
type FirstMessageConfig struct {
	Call *call.Call

	// TargetLang is the language the greeting is spoken in.
	TargetLang string

	// Exact selects exact-utterance dispatch: the greeting goes out as a
	// per-response instruction override so text-input modes produce a fixed
	// sentence with no conversational expansion. Normal dispatch passes it
	// as user text so the session may adapt phrasing.
	Exact bool

	// WaitIdle blocks until Session A has no response in flight, bounded by
	// the given timeout.
	WaitIdle func(timeout time.Duration) error

	// SendText / Respond drive Session A.
	SendText func(text string) error
	Respond  func(instructions string) error

	// NotifyConnected tells the client the call is live.
	NotifyConnected func()

	Log *slog.Logger
}

// FirstMessage issues the AI-identification greeting exactly once per call,
// on the first recipient speech start.
type FirstMessage struct {
	cfg FirstMessageConfig
	log *slog.Logger
}

// NewFirstMessage creates the handler.
func NewFirstMessage(cfg FirstMessageConfig) *FirstMessage {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &FirstMessage{cfg: cfg, log: log.With("component", "first_message")}
}

// OnRecipientSpeech fires the greeting if it has not been sent yet. Later
// calls are no-ops: the sent flag on the Call is set exactly once and never
// reset, including across session recoveries.
func (f *FirstMessage) OnRecipientSpeech() {
	if f.cfg.Call.MarkFirstMessageSent() {
		return
	}

	if f.cfg.WaitIdle != nil {
		if err := f.cfg.WaitIdle(firstMessageIdleWait); err != nil {
			f.log.Warn("sending greeting over an in-flight response", "error", err)
		}
	}

	greeting := greetingFor(f.cfg.TargetLang)
	var err error
	if f.cfg.Exact {
		err = f.cfg.Respond(fmt.Sprintf(
			"Say exactly the following, with nothing added before or after: %q", greeting))
	} else {
		if err = f.cfg.SendText(greeting); err == nil {
			err = f.cfg.Respond("")
		}
	}
	if err != nil {
		f.log.Error("sending greeting failed", "error", err)
		return
	}

	f.log.Info("greeting dispatched", "language", f.cfg.TargetLang, "exact", f.cfg.Exact)
	if f.cfg.NotifyConnected != nil {
		f.cfg.NotifyConnected()
	}
}
