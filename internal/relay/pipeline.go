package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/guardrail"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/provider/vad"
)

// transcriptFooterTurns is how many recent turns a reconnected session gets
// back in its rebuilt prompt.
const transcriptFooterTurns = 6

// ClientSink is the pipeline's view of the client application socket.
type ClientSink interface {
	SendCaption(role, text, direction string)
	SendOriginalCaption(role, text, language string)
	SendTranslatedCaption(role, text, language string)
	SendRecipientAudio(b64 string)
	SendCallStatus(status, message string)
	SendInterruptAlert()
	SendRecoveryStatus(status, sessionLabel string, gapMS int, message string)
	SendGuardrailAlert(level int, original, corrected string, correctionMS float64)
	SendTranslationState(state, direction string)
	SendMetrics(m call.Metrics)
	SendError(message string)
}

// CarrierSink is the telephony media egress.
type CarrierSink interface {
	// SendMedia plays μ-law audio to the recipient.
	SendMedia(ulaw []byte) error

	// Clear flushes the carrier's buffered playback queue.
	Clear() error
}

// Pipeline is the per-call media pipeline. One instance per call; all four
// communication modes implement the same surface.
type Pipeline interface {
	// Start connects the upstream sessions and begins processing. It returns
	// once the pipeline is live; the read loops run until Stop.
	Start(ctx context.Context) error

	// Stop tears the pipeline down. Idempotent.
	Stop()

	// HandleUserAudio forwards one base64 PCM chunk from the client.
	HandleUserAudio(b64 string)

	// HandleUserAudioCommit signals client-side end of utterance.
	HandleUserAudioCommit()

	// HandleUserText relays one typed message.
	HandleUserText(text string)

	// HandleCarrierAudio processes one 20 ms μ-law frame from the telephony
	// carrier.
	HandleCarrierAudio(ulaw []byte)

	// HandleTypingStarted may play a one-shot filler while the user types.
	HandleTypingStarted()
}

// Config assembles everything a pipeline needs.
type Config struct {
	Call     *call.Call
	Client   ClientSink
	Carrier  CarrierSink
	Provider realtime.Provider

	// VADEngine scores carrier frames; required.
	VADEngine vad.Engine

	// Transcriber is the fallback batch STT for recovery. May be nil.
	Transcriber stt.Transcriber

	// Guardrail screens Session A output. May be nil.
	Guardrail session.Guardrail

	// Tools executes agent function calls. Required in agent mode.
	Tools session.ToolExecutor

	// ToolDefs is the tool set registered with Session A in agent mode.
	ToolDefs []realtime.ToolDefinition

	// Voice and TranscriptionModel configure the upstream sessions.
	Voice              string
	TranscriptionModel string

	// OnEnded is invoked once when the pipeline ends the call itself
	// (duration limit). The call manager runs the actual cleanup.
	OnEnded func(reason string)

	VAD      config.VADConfig
	EchoGate config.EchoGateConfig
	Turns    config.TurnConfig
	Recovery config.RecoveryConfig
	Limits   config.LimitsConfig

	Log *slog.Logger
}

// mode behavior flags, set by the constructors in modes.go.
type modeTraits struct {
	// textInput ignores user audio; HandleUserText drives Session A.
	textInput bool

	// dropBAudio discards Session B audio at the client sink (text-only
	// presentation of the recipient).
	dropBAudio bool

	// relayText wraps typed text and overrides instructions so the model
	// translates instead of answering.
	relayText bool

	// agentLoop feeds completed recipient turns back into Session A.
	agentLoop bool

	// exactGreeting uses exact-utterance dispatch for the first message.
	exactGreeting bool

	// typingFiller enables the one-shot typing filler.
	typingFiller bool
}

type pipeline struct {
	cfg    Config
	traits modeTraits
	call   *call.Call
	log    *slog.Logger

	dual     *session.DualManager
	aHandler *session.AHandler
	bHandler *session.BHandler
	localVAD *LocalVAD
	echo     *EchoGate
	intr     *Interrupt
	first    *FirstMessage
	recA     *session.Monitor
	recB     *session.Monitor
	ringA    *audio.RingBuffer
	ringB    *audio.RingBuffer
	window   *session.ContextWindow

	ctx    context.Context
	cancel context.CancelFunc

	textMu sync.Mutex

	mu          sync.Mutex
	started     bool
	fillerDone  bool
	userTurns   int
	warnTimer   *time.Timer
	limitTimer  *time.Timer
	lastUserRMS time.Time

	stopOnce sync.Once
}

var _ Pipeline = (*pipeline)(nil)

func newPipeline(cfg Config, traits modeTraits) (*pipeline, error) {
	if cfg.Call == nil || cfg.Client == nil || cfg.Carrier == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("relay: call, client, carrier and provider are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pipeline", "call_id", cfg.Call.ID)

	p := &pipeline{
		cfg:    cfg,
		traits: traits,
		call:   cfg.Call,
		log:    log,
		ringA:  audio.NewRingBuffer(cfg.Limits.RingBufferSlots),
		ringB:  audio.NewRingBuffer(cfg.Limits.RingBufferSlots),
		window: session.NewContextWindow(),
	}

	p.dual = session.NewDualManager(session.DualConfig{
		Provider:           cfg.Provider,
		Comm:               cfg.Call.CommMode,
		Voice:              cfg.Voice,
		TranscriptionModel: cfg.TranscriptionModel,
		Tools:              cfg.ToolDefs,
		Log:                log,
	})
	p.aHandler = session.NewAHandler(session.AConfig{
		Call:      cfg.Call,
		Guardrail: cfg.Guardrail,
		Tools:     cfg.Tools,
		Log:       log,
	})
	p.bHandler = session.NewBHandler(session.BConfig{
		Call:             cfg.Call,
		ResponseDebounce: time.Duration(cfg.Turns.ResponseDebounceMS) * time.Millisecond,
		SilenceTimeout:   time.Duration(cfg.Turns.SilenceTimeoutMS) * time.Millisecond,
		MinSpeech:        time.Duration(cfg.Turns.MinSpeechMS) * time.Millisecond,
		MaxSpeech:        time.Duration(cfg.Turns.MaxSpeechMS) * time.Millisecond,
		Log:              log,
	})

	p.echo = NewEchoGate(EchoGateConfig{
		BreakthroughRMS: cfg.EchoGate.BreakthroughRMS,
		CooldownMargin:  time.Duration(cfg.EchoGate.CooldownMarginMS) * time.Millisecond,
		CooldownCap:     time.Duration(cfg.EchoGate.CooldownCapMS) * time.Millisecond,
		OnSuppressed:    cfg.Call.IncEchoSuppression,
		OnBreakthrough:  cfg.Call.IncEchoBreakthrough,
		// B's translation output holds while the relay's own TTS plays and
		// resumes in order when the window closes.
		OnRelease: func() { p.bHandler.FlushPendingOutput() },
		Log:       log,
	})
	p.intr = NewInterrupt(InterruptConfig{
		IsGenerating:   p.aHandler.IsGenerating,
		CancelResponse: p.aHandler.Cancel,
		ClearPlayback:  cfg.Carrier.Clear,
		NotifyClient:   cfg.Client.SendInterruptAlert,
		Log:            log,
	})
	p.first = NewFirstMessage(FirstMessageConfig{
		Call:       cfg.Call,
		TargetLang: cfg.Call.TargetLang,
		Exact:      traits.exactGreeting,
		WaitIdle:   p.aHandler.WaitForDone,
		SendText:   p.sendUserTextToA,
		Respond:    p.aHandler.CreateResponse,
		NotifyConnected: func() {
			cfg.Client.SendCallStatus("connected", "")
		},
		Log: log,
	})

	lv, err := NewLocalVAD(cfg.VADEngine, VADConfig{
		RMSGate:          cfg.VAD.RMSGate,
		SpeechThreshold:  cfg.VAD.SpeechThreshold,
		SilenceThreshold: cfg.VAD.SilenceThreshold,
		MinSpeechFrames:  cfg.VAD.MinSpeechFrames,
		MinSilenceFrames: cfg.VAD.MinSilenceFrames,
		OnSpeechStart:    p.onRecipientSpeechStart,
		OnSpeechEnd:      p.onRecipientSpeechEnd,
		Log:              log,
	})
	if err != nil {
		return nil, err
	}
	p.localVAD = lv

	return p, nil
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("relay: pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(context.Background())

	pa := promptA(p.call.Mode, p.call.SourceLang, p.call.TargetLang)
	pb := promptB(p.call.TargetLang, p.call.SourceLang)
	if err := p.dual.Connect(ctx, pa, pb); err != nil {
		return fmt.Errorf("relay: start: %w", err)
	}

	p.wireSinks()
	p.aHandler.Bind(p.dual.A())
	p.bHandler.Bind(p.dual.B())

	p.recA = p.newMonitor("A", pa, nil)
	p.recB = p.newMonitor("B", pb, p.ringB)
	p.recA.Watch(p.dual.A())
	p.recB.Watch(p.dual.B())
	go p.recA.Run(p.ctx)
	go p.recB.Run(p.ctx)

	go func() {
		if err := p.dual.ListenAll(p.ctx); err != nil {
			p.log.Warn("session read loops ended", "error", err)
		}
	}()

	p.armDurationLimit()
	p.call.SetStatus(call.StatusConnected)
	p.log.Info("pipeline started", "mode", p.call.Mode, "comm", p.call.CommMode)
	return nil
}

func (p *pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		if p.warnTimer != nil {
			p.warnTimer.Stop()
		}
		if p.limitTimer != nil {
			p.limitTimer.Stop()
		}
		p.mu.Unlock()

		if p.recA != nil {
			p.recA.Stop()
		}
		if p.recB != nil {
			p.recB.Stop()
		}
		p.bHandler.Stop()
		p.bHandler.ClearPendingOutput()
		if p.cancel != nil {
			p.cancel()
		}
		if err := p.dual.Close(); err != nil {
			p.log.Warn("closing sessions", "error", err)
		}
		if err := p.localVAD.Close(); err != nil {
			p.log.Warn("closing vad session", "error", err)
		}
		p.log.Info("pipeline stopped")
	})
}

func (p *pipeline) armDurationLimit() {
	maxDur := time.Duration(p.cfg.Limits.MaxCallDurationMS) * time.Millisecond
	warnAt := time.Duration(p.cfg.Limits.WarningAtMS) * time.Millisecond
	if maxDur <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if warnAt > 0 && warnAt < maxDur {
		p.warnTimer = time.AfterFunc(warnAt, func() {
			remaining := maxDur - warnAt
			p.cfg.Client.SendCallStatus("warning",
				fmt.Sprintf("call ends in %s", remaining.Round(time.Second)))
		})
	}
	p.limitTimer = time.AfterFunc(maxDur, func() {
		p.log.Info("call duration limit reached")
		p.cfg.Client.SendCallStatus("timeout", "maximum call duration reached")
		if p.cfg.OnEnded != nil {
			p.cfg.OnEnded("duration_limit")
		}
	})
}

// ── Sink wiring ────────────────────────────────────────────────────────────────

func (p *pipeline) wireSinks() {
	p.aHandler.SetSinks(session.ASinks{
		TTSAudio: func(data []byte) {
			if p.intr.RecipientSpeaking() {
				return
			}
			if err := p.cfg.Carrier.SendMedia(data); err != nil {
				p.log.Warn("sending TTS to carrier failed", "error", err)
				return
			}
			p.echo.Activate(len(data))
			p.bHandler.Suppress()
		},
		Caption: func(delta string) {
			p.cfg.Client.SendCaption(call.RoleUser, delta, "outbound")
		},
		TurnComplete: func(text string) {
			p.window.AddTurn(call.RoleUser, text)
			p.cfg.Client.SendTranslationState("done", "outbound")
		},
		ResponseDone: func() {
			p.echo.StartCooldown()
			p.cfg.Client.SendMetrics(p.call.Metrics())
		},
	})

	p.bHandler.SetSinks(session.BSinks{
		TranslatedAudio: func(data []byte) {
			if p.traits.dropBAudio {
				return
			}
			p.cfg.Client.SendRecipientAudio(base64.StdEncoding.EncodeToString(data))
		},
		Caption: func(delta string) {
			p.cfg.Client.SendTranslatedCaption(call.RoleRecipient, delta, p.call.SourceLang)
		},
		OriginalCaption: func(text string) {
			p.cfg.Client.SendOriginalCaption(call.RoleRecipient, text, p.call.TargetLang)
		},
		TurnComplete: func(text string, latencyMS float64) {
			p.window.AddTurn(call.RoleRecipient, text)
			p.cfg.Client.SendTranslationState("caption_done", "inbound")
			p.cfg.Client.SendMetrics(p.call.Metrics())
			if p.traits.agentLoop {
				p.forwardToAgent(text)
			}
		},
	})

	if checker, ok := p.cfg.Guardrail.(*guardrail.Checker); ok {
		checker.SetSinks(guardrail.Sinks{
			Alert: p.cfg.Client.SendGuardrailAlert,
			Resynthesize: func(instructions string) {
				if err := p.aHandler.CreateResponse(instructions); err != nil {
					p.log.Error("guardrail resynthesis request failed", "error", err)
				}
			},
		})
	}
}

// forwardToAgent feeds a completed recipient turn into Session A so the agent
// generates the next reply.
func (p *pipeline) forwardToAgent(text string) {
	p.textMu.Lock()
	defer p.textMu.Unlock()
	if err := p.aHandler.SendUserText(recipientSaysWrap(text)); err != nil {
		p.log.Error("forwarding recipient turn to agent failed", "error", err)
		return
	}
	if err := p.aHandler.CreateResponse(""); err != nil {
		p.log.Error("agent response request failed", "error", err)
	}
}

// ── Recipient speech transitions ───────────────────────────────────────────────

func (p *pipeline) onRecipientSpeechStart() error {
	p.echo.Deactivate()
	p.intr.OnRecipientStarted()
	p.first.OnRecipientSpeech()
	p.bHandler.NotifySpeechStarted()
	return nil
}

func (p *pipeline) onRecipientSpeechEnd() error {
	p.intr.OnRecipientStopped()
	p.bHandler.NotifySpeechStopped()
	return nil
}

// ── Media and input handlers ───────────────────────────────────────────────────

func (p *pipeline) HandleCarrierAudio(ulaw []byte) {
	if len(ulaw) == 0 {
		return
	}
	p.ringB.Write(ulaw)

	if p.recB != nil && p.recB.State() == session.StateDegraded {
		p.recB.FeedDegradedAudio(p.ctx, ulaw)
		return
	}

	frame := p.echo.Filter(ulaw)
	p.localVAD.ProcessFrame(frame)

	if err := p.bHandler.SendRecipientAudio(base64.StdEncoding.EncodeToString(frame)); err != nil {
		p.log.Debug("forwarding carrier audio failed", "error", err)
	}
	p.ringB.MarkSent(p.ringB.LastReceived())
}

func (p *pipeline) HandleUserAudio(b64 string) {
	if p.traits.textInput {
		return
	}
	if data, err := base64.StdEncoding.DecodeString(b64); err == nil {
		p.ringA.Write(data)
		p.ringA.MarkSent(p.ringA.LastReceived())
		p.logUserAudioLevel(data)
	}
	if err := p.aHandler.SendUserAudio(b64); err != nil {
		p.log.Debug("forwarding user audio failed", "error", err)
	}
}

func (p *pipeline) HandleUserAudioCommit() {
	if p.traits.textInput {
		return
	}
	p.mu.Lock()
	p.userTurns++
	p.mu.Unlock()
	if err := p.aHandler.CommitUserAudio(); err != nil {
		p.log.Warn("committing user audio failed", "error", err)
		return
	}
	if err := p.aHandler.CreateResponse(""); err != nil {
		p.log.Warn("requesting translation failed", "error", err)
	}
	p.cfg.Client.SendTranslationState("processing", "outbound")
}

func (p *pipeline) HandleUserText(text string) {
	if text == "" {
		return
	}
	p.textMu.Lock()
	defer p.textMu.Unlock()

	p.mu.Lock()
	p.userTurns++
	p.mu.Unlock()

	var err error
	if p.traits.relayText {
		if err = p.aHandler.SendUserText(userSaysWrap(p.call.SourceLang, text)); err == nil {
			err = p.aHandler.CreateResponse(
				relayInstructionOverride(p.call.SourceLang, p.call.TargetLang))
		}
	} else {
		if err = p.aHandler.SendUserText(text); err == nil {
			err = p.aHandler.CreateResponse("")
		}
	}
	if err != nil {
		p.log.Error("relaying user text failed", "error", err)
		p.cfg.Client.SendError("message could not be delivered")
		return
	}
	p.call.AppendTranscript(call.TranscriptEntry{
		Role:     call.RoleUser,
		Original: text,
		Language: p.call.SourceLang,
	})
	p.cfg.Client.SendTranslationState("processing", "outbound")
}

// HandleTypingStarted plays a short hold utterance to the recipient while
// the user types. At most once per call, and never before the first user
// turn: a filler before any exchange confuses the recipient.
func (p *pipeline) HandleTypingStarted() {
	if !p.traits.typingFiller {
		return
	}
	p.mu.Lock()
	if p.fillerDone || p.userTurns == 0 {
		p.mu.Unlock()
		return
	}
	p.fillerDone = true
	p.mu.Unlock()

	if p.aHandler.IsGenerating() {
		return
	}
	instr := fmt.Sprintf("Say a very brief, natural hold phrase in %s, such as asking "+
		"the other person to wait one moment. Nothing else.", p.call.TargetLang)
	if err := p.aHandler.CreateResponse(instr); err != nil {
		p.log.Warn("typing filler failed", "error", err)
	}
}

// sendUserTextToA is the first-message text path; it serializes with typed
// input.
func (p *pipeline) sendUserTextToA(text string) error {
	p.textMu.Lock()
	defer p.textMu.Unlock()
	return p.aHandler.SendUserText(text)
}

// logUserAudioLevel samples the user uplink energy about once a second, a
// debugging aid for dead-microphone reports.
func (p *pipeline) logUserAudioLevel(pcm []byte) {
	p.mu.Lock()
	due := time.Since(p.lastUserRMS) >= time.Second
	if due {
		p.lastUserRMS = time.Now()
	}
	p.mu.Unlock()
	if due {
		p.log.Debug("user audio level", "rms", audio.PCM16RMS(pcm))
	}
}

// ── Recovery wiring ────────────────────────────────────────────────────────────

func (p *pipeline) newMonitor(label, basePrompt string, ring *audio.RingBuffer) *session.Monitor {
	reconnect := func(ctx context.Context) (realtime.Session, error) {
		prompt := promptWithTranscriptFooter(basePrompt, p.call.TranscriptTail(transcriptFooterTurns))
		var cfg realtime.SessionConfig
		if label == "A" {
			cfg = p.dual.ConfigA(prompt)
		} else {
			cfg = p.dual.ConfigB(prompt)
		}
		sess, err := p.cfg.Provider.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if label == "A" {
			p.dual.SwapA(sess)
			p.aHandler.Bind(sess)
		} else {
			p.dual.SwapB(sess)
			p.bHandler.Bind(sess)
		}
		go func() {
			if err := sess.Listen(p.ctx); err != nil {
				p.log.Warn("replacement session read loop ended", "session", label, "error", err)
			}
		}()
		if err := p.window.Inject(sess); err != nil {
			p.log.Warn("context injection after reconnect failed", "error", err)
		}
		return sess, nil
	}

	lang := p.call.TargetLang
	if label == "A" {
		lang = p.call.SourceLang
	}

	return session.NewMonitor(session.RecoveryConfig{
		Call:        p.call,
		Session:     label,
		Reconnect:   reconnect,
		Ring:        ring,
		Transcriber: p.cfg.Transcriber,
		Language:    lang,
		OnRecoveredText: func(text string) {
			p.cfg.Client.SendTranslatedCaption(call.RoleRecipient, text, p.call.SourceLang)
		},
		OnEvent:           p.notifyRecovery,
		HeartbeatInterval: time.Duration(p.cfg.Recovery.HeartbeatIntervalMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(p.cfg.Recovery.HeartbeatTimeoutMS) * time.Millisecond,
		BackoffInitial:    time.Duration(p.cfg.Recovery.BackoffInitialMS) * time.Millisecond,
		BackoffCap:        time.Duration(p.cfg.Recovery.BackoffCapMS) * time.Millisecond,
		AttemptBudget:     time.Duration(p.cfg.Recovery.AttemptBudgetMS) * time.Millisecond,
		MaxAttempts:       p.cfg.Recovery.MaxAttempts,
		DegradedBatch:     time.Duration(p.cfg.Recovery.DegradedBatchMS) * time.Millisecond,
		Log:               p.log,
	})
}

func (p *pipeline) notifyRecovery(e call.RecoveryEvent) {
	var status string
	switch e.Type {
	case call.RecoveryDisconnected:
		status = "recovering"
	case call.RecoveryReconnectSuccess, call.RecoveryNormalRestored:
		status = "recovered"
	case call.RecoveryDegradedEntered:
		status = "degraded"
	default:
		return
	}
	p.cfg.Client.SendRecoveryStatus(status, e.Session, e.GapMS, e.Detail)
}
