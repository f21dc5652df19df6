package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlancehq/parlance/internal/agenttools"
	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/guardrail"
	"github.com/parlancehq/parlance/internal/relay"
	"github.com/parlancehq/parlance/internal/transport"
)

// carrierOutlet is the pipeline's carrier sink. The pipeline is built when
// the client connects, but the telephony socket only arrives after the
// recipient answers; the outlet bridges that gap. Sends before attachment
// are dropped.
type carrierOutlet struct {
	mu      sync.Mutex
	carrier *transport.Carrier
}

var _ relay.CarrierSink = (*carrierOutlet)(nil)

func (o *carrierOutlet) attach(c *transport.Carrier) {
	o.mu.Lock()
	o.carrier = c
	o.mu.Unlock()
}

func (o *carrierOutlet) get() *transport.Carrier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.carrier
}

// SendMedia plays μ-law audio to the recipient.
func (o *carrierOutlet) SendMedia(ulaw []byte) error {
	if c := o.get(); c != nil {
		return c.SendMedia(ulaw)
	}
	return nil
}

// Clear flushes the carrier playback queue.
func (o *carrierOutlet) Clear() error {
	if c := o.get(); c != nil {
		return c.Clear()
	}
	return nil
}

// snapshotSaver is the slice of the store the persisting sink needs.
type snapshotSaver interface {
	Save(ctx context.Context, snap call.Snapshot) error
}

// persistingSink wraps the client sink and upserts a snapshot on call
// progress events. Save debounces internally, so per-turn triggers are
// cheap.
type persistingSink struct {
	relay.ClientSink
	saver snapshotSaver
	call  *call.Call
	log   *slog.Logger
}

func (s *persistingSink) save() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.saver.Save(ctx, s.call.Snapshot()); err != nil {
		s.log.Warn("incremental call save failed", "call_id", s.call.ID, "error", err)
	}
}

func (s *persistingSink) SendMetrics(m call.Metrics) {
	s.ClientSink.SendMetrics(m)
	s.save()
}

func (s *persistingSink) SendCallStatus(status, message string) {
	s.ClientSink.SendCallStatus(status, message)
	s.save()
}

func (s *persistingSink) SendRecoveryStatus(status, sessionLabel string, gapMS int, message string) {
	s.ClientSink.SendRecoveryStatus(status, sessionLabel, gapMS, message)
	s.save()
}

// wiring holds the per-call components the app itself needs to reach: the
// sockets attach and the pipeline starts at different times, all after the
// call was registered.
type wiring struct {
	call   *call.Call
	outlet *carrierOutlet

	mu       sync.Mutex
	pipeline relay.Pipeline
	checker  *guardrail.Checker
	cancel   context.CancelFunc
}

func newWiring(c *call.Call) *wiring {
	return &wiring{call: c, outlet: &carrierOutlet{}}
}

func (w *wiring) setPipeline(p relay.Pipeline, checker *guardrail.Checker, cancel context.CancelFunc) {
	w.mu.Lock()
	w.pipeline = p
	w.checker = checker
	w.cancel = cancel
	w.mu.Unlock()
}

func (w *wiring) getPipeline() relay.Pipeline {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pipeline
}

func (w *wiring) guardrail() *guardrail.Checker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checker
}

// handleClientWS accepts the client application socket, builds the pipeline
// for the call's communication mode, and relays client messages into it. A
// client drop without an end_call tears the call down with reason
// app_disconnected.
func (a *App) handleClientWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wr, ok := a.wiringFor(id)
	if !ok {
		httpError(w, http.StatusNotFound, "call not found")
		return
	}
	c := wr.call

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("client websocket accept failed", "call_id", id, "error", err)
		return
	}

	// callCtx outlives the HTTP request: upstream listeners and client sends
	// run until cleanup cancels them.
	callCtx, cancel := context.WithCancel(context.Background())
	client := transport.NewClient(callCtx, conn, a.log)

	cfg := a.config()
	checker := a.newGuardrail(cfg, c)

	var (
		tools    *agenttools.Executor
		toolDefs = agenttools.ToolsForMode(c.CommMode, a.bridge)
	)
	if c.CommMode == call.CommFullAgent {
		tools = agenttools.NewExecutor(agenttools.ExecutorConfig{
			Call:   c,
			Bridge: a.bridge,
			OnJudgment: func(result, reason string) {
				a.log.Info("agent judged the call complete",
					"call_id", id, "result", result, "reason", reason)
				go a.cleanup(context.Background(), id, "agent_judgment")
			},
			Log: a.log,
		})
	}

	// In-flight snapshots piggyback on progress events sent to the client;
	// the final write still happens through res.Persist at teardown.
	var clientSink relay.ClientSink = client
	if a.store != nil {
		clientSink = &persistingSink{ClientSink: client, saver: a.store, call: c, log: a.log}
	}

	relayCfg := relay.Config{
		Call:               c,
		Client:             clientSink,
		Carrier:            wr.outlet,
		Provider:           a.provider,
		VADEngine:          a.vadEngine,
		Transcriber:        a.transcriber,
		ToolDefs:           toolDefs,
		Voice:              cfg.Realtime.Voice,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		OnEnded: func(reason string) {
			go a.cleanup(context.Background(), id, reason)
		},
		VAD:      cfg.VAD,
		EchoGate: cfg.EchoGate,
		Turns:    cfg.Turns,
		Recovery: cfg.Recovery,
		Limits:   cfg.Limits,
		Log:      a.log,
	}
	if checker != nil {
		relayCfg.Guardrail = checker
	}
	if tools != nil {
		relayCfg.Tools = tools
	}

	pipe, err := relay.New(relayCfg)
	if err != nil {
		a.log.Error("building pipeline failed", "call_id", id, "error", err)
		client.SendError("call setup failed")
		client.Close()
		cancel()
		return
	}
	wr.setPipeline(pipe, checker, cancel)

	_ = a.manager.UpdateResources(id, func(res *call.Resources) {
		res.StopPipeline = func(context.Context) error {
			pipe.Stop()
			return nil
		}
		res.CancelListeners = cancel
		res.NotifyClient = func(reason string) {
			client.SendCallStatus("ended", reason)
			client.Close()
		}
		if a.store != nil {
			res.Persist = func(ctx context.Context, snap call.Snapshot) error {
				return a.store.Finalize(ctx, snap)
			}
		}
	})

	if err := pipe.Start(callCtx); err != nil {
		a.log.Error("pipeline start failed", "call_id", id, "error", err)
		client.SendError("call setup failed")
		a.cleanup(r.Context(), id, "start_failed")
		return
	}

	err = client.ReadLoop(callCtx, transport.ClientHandlers{
		OnAudioChunk:     pipe.HandleUserAudio,
		OnAudioCommitted: pipe.HandleUserAudioCommit,
		OnTextInput:      pipe.HandleUserText,
		OnTypingStarted:  pipe.HandleTypingStarted,
		OnEndCall: func() {
			a.cleanup(context.Background(), id, "user_hangup")
		},
	})
	if err != nil {
		a.log.Warn("client socket closed abnormally", "call_id", id, "error", err)
	}
	// No-op when an explicit end_call or carrier stop already tore down.
	a.cleanup(context.Background(), id, "app_disconnected")
}

// handleCarrierWS accepts the telephony media stream and attaches it to the
// call's outlet. Inbound frames go to the pipeline once one exists; a
// carrier stop ends the call.
func (a *App) handleCarrierWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wr, ok := a.wiringFor(id)
	if !ok {
		httpError(w, http.StatusNotFound, "call not found")
		return
	}
	c := wr.call

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("carrier websocket accept failed", "call_id", id, "error", err)
		return
	}

	carrier := transport.NewCarrier(r.Context(), conn, a.log)
	wr.outlet.attach(carrier)
	defer carrier.Close()

	err = carrier.ReadLoop(r.Context(), transport.CarrierHandlers{
		OnStart: func(streamSid, callSid string) {
			c.SetCarrier(callSid, streamSid)
		},
		OnMedia: func(ulaw []byte) {
			if p := wr.getPipeline(); p != nil {
				p.HandleCarrierAudio(ulaw)
			}
		},
		OnStop: func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.cleanup(cleanupCtx, id, "carrier_disconnect")
		},
	})
	if err != nil {
		a.log.Warn("carrier socket closed abnormally", "call_id", id, "error", err)
	}
}

// newGuardrail builds the per-call output checker, nil when disabled. A
// corrector that fails to initialize downgrades to filter-only screening
// instead of blocking the call.
func (a *App) newGuardrail(cfg *config.Config, c *call.Call) *guardrail.Checker {
	gc := cfg.Guardrail
	if !gc.Enabled {
		return nil
	}

	dict := guardrail.NewDictionary(c.TargetLang, gc.BannedTerms[c.TargetLang], gc.InformalTerms[c.TargetLang])

	var corrector guardrail.Corrector
	if gc.CorrectorProvider != "" && gc.CorrectorModel != "" {
		budget := time.Duration(gc.CorrectionBudgetMS) * time.Millisecond
		lc, err := guardrail.NewLLMCorrector(gc.CorrectorProvider, gc.CorrectorModel, gc.CorrectorAPIKey, budget)
		if err != nil {
			a.log.Warn("guardrail corrector unavailable, screening without correction",
				"call_id", c.ID, "error", err)
		} else {
			corrector = lc
		}
	}

	return guardrail.New(guardrail.Config{
		Call:      c,
		Language:  c.TargetLang,
		Filter:    guardrail.NewFilter(dict),
		Corrector: corrector,
		Log:       a.log,
	})
}
