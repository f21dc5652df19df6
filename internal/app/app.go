// Package app wires the server together: the HTTP/WebSocket surface, the
// call registry, the carrier dialer, and the per-call pipelines. One App per
// process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/agenttools"
	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/store"
	embopenai "github.com/parlancehq/parlance/pkg/provider/embeddings/openai"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	rtopenai "github.com/parlancehq/parlance/pkg/provider/realtime/openai"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	sttopenai "github.com/parlancehq/parlance/pkg/provider/stt/openai"
	"github.com/parlancehq/parlance/pkg/provider/stt/whisper"
	"github.com/parlancehq/parlance/pkg/provider/vad"
	"github.com/parlancehq/parlance/pkg/provider/vad/energy"
)

// shutdownGrace bounds the HTTP server drain on context cancellation.
const shutdownGrace = 10 * time.Second

// App owns every long-lived component of the server. Construct with New,
// serve with Run, release with Shutdown.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	log *slog.Logger

	manager *call.Manager
	metrics *observe.Metrics
	checks  *health.Handler

	provider    realtime.Provider
	vadEngine   vad.Engine
	transcriber stt.Transcriber
	dialer      Dialer
	store       *store.Store
	index       *store.TranscriptIndex
	bridge      *agenttools.Bridge

	httpSrv *http.Server

	mu      sync.Mutex
	wirings map[string]*wiring
}

// Option overrides a component before the defaults are built. Tests use
// these to inject fakes.
type Option func(*App)

// WithProvider overrides the realtime provider.
func WithProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithVADEngine overrides the voice-activity engine.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.vadEngine = e }
}

// WithTranscriber overrides the batch STT transcriber.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithDialer overrides the carrier dialer.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithStore overrides the persistence layer.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// New assembles the application from cfg. Components the config leaves
// unset stay nil and the matching features are disabled: no telephony
// account means no outbound dialing, no DSN means no persistence, no MCP
// servers means no external tools.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		manager: call.NewManager(log),
		metrics: observe.DefaultMetrics(),
		wirings: make(map[string]*wiring),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.provider == nil {
		rtOpts := []rtopenai.Option{rtopenai.WithModel(cfg.Realtime.Model)}
		if cfg.Realtime.BaseURL != "" {
			rtOpts = append(rtOpts, rtopenai.WithBaseURL(cfg.Realtime.BaseURL))
		}
		a.provider = rtopenai.New(cfg.Realtime.APIKey, rtOpts...)
	}
	if a.vadEngine == nil {
		a.vadEngine = energy.New()
	}
	if a.transcriber == nil {
		t, err := newTranscriber(cfg)
		if err != nil {
			return nil, err
		}
		a.transcriber = t
	}
	if a.dialer == nil && cfg.Telephony.AccountSID != "" {
		d, err := NewTwilioDialer(cfg.Telephony, cfg.Server.PublicURL, log)
		if err != nil {
			return nil, err
		}
		a.dialer = d
	}
	if a.store == nil && cfg.Database.DSN != "" {
		st, err := store.New(ctx, cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = st
	}
	if a.store != nil && cfg.Database.EmbeddingModel != "" {
		embedder, err := embopenai.New(cfg.Realtime.APIKey, cfg.Database.EmbeddingModel)
		if err != nil {
			return nil, fmt.Errorf("app: embedding provider: %w", err)
		}
		a.index = store.NewTranscriptIndex(a.store.Pool(), embedder, log)
	}
	if len(cfg.MCP.Servers) > 0 {
		a.bridge = agenttools.NewBridge(ctx, cfg.MCP, log)
	}

	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.store.Ping})
	}
	a.checks = health.New(checkers...)
	a.checks.ReportActiveCalls(a.manager.ActiveCount)

	return a, nil
}

// newTranscriber builds the configured batch STT backend. An empty backend
// disables it; the pipeline then skips degraded-mode catch-up.
func newTranscriber(cfg *config.Config) (stt.Transcriber, error) {
	switch cfg.STT.Backend {
	case "":
		return nil, nil
	case "openai":
		return sttopenai.New(cfg.Realtime.APIKey, sttopenai.WithModel(cfg.STT.Model))
	case "whisper":
		return whisper.New(cfg.STT.WhisperServerURL, whisper.WithModel(cfg.STT.Model))
	case "whisper-native":
		return whisper.NewNative(cfg.STT.Model)
	default:
		return nil, fmt.Errorf("app: unknown stt backend %q", cfg.STT.Backend)
	}
}

// config returns the current configuration snapshot. Handlers read it per
// request so hot reloads reach new calls without restarts.
func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ApplyConfig swaps in the hot-reloadable sections of next: VAD thresholds,
// echo-gate tuning, and the guardrail dictionaries. New calls pick them up;
// running pipelines keep the values they started with.
func (a *App) ApplyConfig(next *config.Config) {
	a.cfgMu.Lock()
	cur := *a.cfg
	cur.Server.LogLevel = next.Server.LogLevel
	cur.VAD = next.VAD
	cur.EchoGate = next.EchoGate
	cur.Guardrail = next.Guardrail
	a.cfg = &cur
	a.cfgMu.Unlock()
	a.log.Info("hot-reloadable configuration applied",
		"guardrail_enabled", next.Guardrail.Enabled)
}

// Run serves HTTP until ctx is cancelled, then drains the server. It blocks.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv = &http.Server{
		Addr:              a.config().Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.log.Info("server listening", "addr", a.httpSrv.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.httpSrv.Shutdown(drainCtx)
	})
	return g.Wait()
}

// Shutdown ends every live call and releases shared resources.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.manager.ShutdownAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	// Native transcribers hold a loaded model.
	if c, ok := a.transcriber.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cleanup pops the call's wiring and runs the manager teardown. Safe to call
// from any goroutine and repeatedly; only the first invocation per call does
// work.
func (a *App) cleanup(ctx context.Context, id, reason string) {
	a.mu.Lock()
	w, ok := a.wirings[id]
	if ok {
		delete(a.wirings, id)
	}
	a.mu.Unlock()

	if ok {
		a.metrics.ActiveCalls.Add(ctx, -1)
		// Let in-flight guardrail corrections land on the event log before
		// the final persist.
		if checker := w.guardrail(); checker != nil {
			checker.Wait()
		}
	}

	if err := a.manager.Cleanup(ctx, id, reason); err != nil {
		a.log.Warn("call cleanup finished with errors", "call_id", id, "error", err)
	}

	if ok && a.index != nil {
		snap := w.call.Snapshot()
		go func() {
			ixCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.index.IndexCall(ixCtx, snap); err != nil {
				a.log.Warn("transcript indexing failed", "call_id", snap.ID, "error", err)
			}
		}()
	}
}

// wiringFor returns the live wiring for id.
func (a *App) wiringFor(id string) (*wiring, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.wirings[id]
	return w, ok
}
