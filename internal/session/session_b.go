package session

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// BSinks are the outbound wires of Session B. Nil sinks are skipped.
type BSinks struct {
	// TranslatedAudio receives decoded translation audio for the client.
	TranslatedAudio func(data []byte)

	// Caption receives translated caption deltas.
	Caption func(delta string)

	// OriginalCaption receives the recipient's original utterance once its
	// input transcription completes.
	OriginalCaption func(text string)

	// TurnComplete receives the final translated text of each recipient turn,
	// with the end-to-end latency when a speech-start instant was recorded.
	TurnComplete func(text string, latencyMS float64)
}

// BConfig configures a BHandler. Zero durations fall back to defaults.
type BConfig struct {
	Call *call.Call

	// ResponseDebounce delays commit-and-respond after speech stop so a quick
	// resumption cancels it.
	ResponseDebounce time.Duration

	// SilenceTimeout forces a commit when speech-stopped never arrives.
	SilenceTimeout time.Duration

	// MinSpeech is the hallucination floor: shorter utterances are discarded
	// without a commit.
	MinSpeech time.Duration

	// MaxSpeech is the utterance ceiling: speech longer than this is committed
	// immediately on stop, skipping the debounce.
	MaxSpeech time.Duration

	Log *slog.Logger
}

const (
	defaultResponseDebounce = 300 * time.Millisecond
	defaultSilenceTimeout   = 15 * time.Second
	defaultMinSpeech        = 400 * time.Millisecond
	defaultMaxSpeech        = 30 * time.Second
)

type pendingKind int

const (
	pendingAudio pendingKind = iota
	pendingCaption
	pendingOriginalCaption
)

type pendingItem struct {
	kind pendingKind
	data []byte
	text string
}

// BHandler is the recipient→user half. The local voice activity detector
// drives it: upstream turn detection is off, so the handler decides when to
// commit the input buffer and request a translation.
type BHandler struct {
	call *call.Call
	cfg  BConfig
	log  *slog.Logger

	mu              sync.Mutex
	sess            realtime.Session
	sinks           BSinks
	speaking        bool
	speechStartedAt time.Time
	timeoutForced   bool
	suppressed      bool
	pending         []pendingItem
	stopped         bool
	transcript      []byte

	// Timer generations. A bumped generation invalidates an already-scheduled
	// AfterFunc that has not fired yet.
	debounceGen int
	timeoutGen  int
	debounce    *time.Timer
	timeout     *time.Timer
}

// NewBHandler creates the handler; Bind must be called before use.
func NewBHandler(cfg BConfig) *BHandler {
	if cfg.ResponseDebounce <= 0 {
		cfg.ResponseDebounce = defaultResponseDebounce
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = defaultMinSpeech
	}
	if cfg.MaxSpeech <= 0 {
		cfg.MaxSpeech = defaultMaxSpeech
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &BHandler{
		call: cfg.Call,
		cfg:  cfg,
		log:  log.With("component", "session", "session", "B"),
	}
}

// SetSinks wires the output callbacks. Call before Bind.
func (h *BHandler) SetSinks(s BSinks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = s
}

// Bind attaches the handler to a session, registering all event handlers.
func (h *BHandler) Bind(sess realtime.Session) {
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	sess.On(realtime.EventAudioDelta, h.onAudioDelta)
	sess.On(realtime.EventAudioTranscriptDelta, h.onCaptionDelta)
	sess.On(realtime.EventTextDelta, h.onCaptionDelta)
	sess.On(realtime.EventAudioTranscriptDone, h.onTextDone)
	sess.On(realtime.EventTextDone, h.onTextDone)
	sess.On(realtime.EventInputTranscription, h.onInputTranscription)
	sess.On(realtime.EventResponseDone, h.onResponseDone)
}

// Session returns the currently bound session.
func (h *BHandler) Session() realtime.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

// SendRecipientAudio forwards base64 μ-law to the upstream input buffer.
func (h *BHandler) SendRecipientAudio(b64 string) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	sess := h.sess
	h.mu.Unlock()
	return sess.SendAudio(b64)
}

// ClearInputBuffer discards all uncommitted recipient audio upstream.
func (h *BHandler) ClearInputBuffer() error {
	return h.Session().ClearInputBuffer()
}

// NotifySpeechStarted is called by the voice activity detector on a
// SILENCE→SPEAKING transition. It clears the upstream input buffer first:
// audio accumulated during silence is background noise that otherwise gets
// transcribed as hallucinated text.
func (h *BHandler) NotifySpeechStarted() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	sess := h.sess
	h.speaking = true
	h.speechStartedAt = time.Now()
	h.timeoutForced = false
	h.cancelDebounceLocked()
	h.armSilenceTimeoutLocked()
	h.mu.Unlock()

	if err := sess.ClearInputBuffer(); err != nil {
		h.log.Warn("clearing input buffer on speech start failed", "error", err)
	}
}

// NotifySpeechStopped is called on a SPEAKING→SILENCE transition. Utterances
// under the minimum duration are discarded. Long utterances commit at once;
// normal ones are debounced so a quick resumption cancels the commit.
func (h *BHandler) NotifySpeechStopped() {
	h.mu.Lock()
	if h.stopped || !h.speaking {
		h.mu.Unlock()
		return
	}
	h.speaking = false
	h.cancelSilenceTimeoutLocked()

	if h.timeoutForced {
		// The silence-timeout safety net already committed this utterance.
		h.timeoutForced = false
		h.mu.Unlock()
		return
	}

	duration := time.Since(h.speechStartedAt)
	if duration < h.cfg.MinSpeech {
		sess := h.sess
		h.mu.Unlock()
		h.log.Debug("discarding sub-minimum utterance", "duration", duration)
		h.call.IncVADFalseTrigger()
		if err := sess.ClearInputBuffer(); err != nil {
			h.log.Warn("clearing short utterance failed", "error", err)
		}
		return
	}
	if duration >= h.cfg.MaxSpeech {
		h.mu.Unlock()
		h.commitAndRespond()
		return
	}

	h.debounceGen++
	gen := h.debounceGen
	h.debounce = time.AfterFunc(h.cfg.ResponseDebounce, func() {
		h.mu.Lock()
		stale := gen != h.debounceGen || h.stopped
		h.mu.Unlock()
		if stale {
			return
		}
		h.commitAndRespond()
	})
	h.mu.Unlock()
}

// Stop cancels timers and disables further commits. It does not close the
// session; the dual manager owns that.
func (h *BHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.cancelDebounceLocked()
	h.cancelSilenceTimeoutLocked()
}

// ── Output suppression ─────────────────────────────────────────────────────────

// Suppress queues all outbound emissions instead of delivering them.
func (h *BHandler) Suppress() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suppressed = true
}

// Suppressed reports whether output is currently gated.
func (h *BHandler) Suppressed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suppressed
}

// FlushPendingOutput delivers queued emissions in arrival order and lifts
// suppression.
func (h *BHandler) FlushPendingOutput() {
	h.mu.Lock()
	items := h.pending
	h.pending = nil
	h.suppressed = false
	sinks := h.sinks
	h.mu.Unlock()

	for _, it := range items {
		switch it.kind {
		case pendingAudio:
			if sinks.TranslatedAudio != nil {
				sinks.TranslatedAudio(it.data)
			}
		case pendingCaption:
			if sinks.Caption != nil {
				sinks.Caption(it.text)
			}
		case pendingOriginalCaption:
			if sinks.OriginalCaption != nil {
				sinks.OriginalCaption(it.text)
			}
		}
	}
}

// ClearPendingOutput discards queued emissions and lifts suppression. Used to
// erase echo artifacts that were translated before the gate caught them.
func (h *BHandler) ClearPendingOutput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = nil
	h.suppressed = false
}

// PendingCount returns the number of queued emissions.
func (h *BHandler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// ── Internals ──────────────────────────────────────────────────────────────────

func (h *BHandler) commitAndRespond() {
	sess := h.Session()
	if err := sess.CommitAudio(); err != nil {
		h.log.Error("committing recipient audio failed", "error", err)
		return
	}
	if err := sess.CreateResponse(""); err != nil {
		h.log.Error("requesting translation failed", "error", err)
	}
}

func (h *BHandler) armSilenceTimeoutLocked() {
	h.cancelSilenceTimeoutLocked()
	h.timeoutGen++
	gen := h.timeoutGen
	h.timeout = time.AfterFunc(h.cfg.SilenceTimeout, func() {
		h.mu.Lock()
		if gen != h.timeoutGen || h.stopped || !h.speaking {
			h.mu.Unlock()
			return
		}
		h.timeoutForced = true
		h.mu.Unlock()

		h.log.Warn("speech stop never arrived, forcing commit",
			"timeout", h.cfg.SilenceTimeout)
		h.commitAndRespond()
	})
}

func (h *BHandler) cancelSilenceTimeoutLocked() {
	h.timeoutGen++
	if h.timeout != nil {
		h.timeout.Stop()
		h.timeout = nil
	}
}

func (h *BHandler) cancelDebounceLocked() {
	h.debounceGen++
	if h.debounce != nil {
		h.debounce.Stop()
		h.debounce = nil
	}
}

// ── Event handlers ─────────────────────────────────────────────────────────────

func (h *BHandler) onAudioDelta(evt realtime.Event) {
	data, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil {
		h.log.Debug("discarding undecodable audio delta", "error", err)
		return
	}

	h.mu.Lock()
	if h.suppressed {
		h.pending = append(h.pending, pendingItem{kind: pendingAudio, data: data})
		h.mu.Unlock()
		return
	}
	sink := h.sinks.TranslatedAudio
	h.mu.Unlock()

	if sink != nil {
		sink(data)
	}
}

func (h *BHandler) onCaptionDelta(evt realtime.Event) {
	if evt.Delta == "" {
		return
	}

	h.mu.Lock()
	h.transcript = append(h.transcript, evt.Delta...)
	if h.suppressed {
		h.pending = append(h.pending, pendingItem{kind: pendingCaption, text: evt.Delta})
		h.mu.Unlock()
		return
	}
	sink := h.sinks.Caption
	h.mu.Unlock()

	if sink != nil {
		sink(evt.Delta)
	}
}

func (h *BHandler) onTextDone(evt realtime.Event) {
	text := evt.Transcript
	if text == "" {
		text = evt.Text
	}

	h.mu.Lock()
	if text == "" {
		text = string(h.transcript)
	}
	h.transcript = h.transcript[:0]
	var latencyMS float64
	if !h.speechStartedAt.IsZero() {
		latencyMS = float64(time.Since(h.speechStartedAt).Milliseconds())
	}
	sink := h.sinks.TurnComplete
	h.mu.Unlock()

	if text == "" {
		return
	}

	h.call.AppendTranscript(call.TranscriptEntry{
		Role:       call.RoleRecipient,
		Translated: text,
		Language:   h.call.SourceLang,
	})
	if latencyMS > 0 {
		h.call.AddTurnLatency(latencyMS)
	}
	if sink != nil {
		sink(text, latencyMS)
	}
}

func (h *BHandler) onInputTranscription(evt realtime.Event) {
	text := evt.Transcript
	if text == "" {
		return
	}

	h.mu.Lock()
	var sttLatencyMS float64
	if !h.speechStartedAt.IsZero() {
		sttLatencyMS = float64(time.Since(h.speechStartedAt).Milliseconds())
	}
	if h.suppressed {
		h.pending = append(h.pending, pendingItem{kind: pendingOriginalCaption, text: text})
		h.mu.Unlock()
		return
	}
	sink := h.sinks.OriginalCaption
	h.mu.Unlock()

	h.log.Debug("recipient utterance transcribed", "stt_latency_ms", sttLatencyMS)
	if sink != nil {
		sink(text)
	}
}

func (h *BHandler) onResponseDone(evt realtime.Event) {
	if evt.Response != nil && evt.Response.Usage != nil {
		h.call.AddUsage(*evt.Response.Usage)
	}
}
