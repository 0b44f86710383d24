// ============================================================================
// Assistant - process wiring and public operations
// ============================================================================
//
// Package: internal/assistant
// File: assistant.go
// Purpose: builds the router, orchestrator, resilience guard, handlers,
//          task store and scheduler from one config.Config, and exposes the
//          operations the gRPC server and the CLI call.
//
// Wiring order:
//   metrics → guard → store → registry + scheduler → handlers → catalog
//   → orchestrator → router
//
// Operations:
//   SubmitIntent / SubmitVoice / ClassifyOnly      (synchronous requests)
//   EnqueueDeferredTask / GetTaskStatus / RemoveTask / DeadLetters
//   GetPlanResult / CircuitStates / Templates
//
// ============================================================================

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler/jobsearch"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler/llm"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler/notify"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler/yandex"
	"github.com/ChuLiYu/maga-orchestrator/internal/metrics"
	"github.com/ChuLiYu/maga-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/internal/router"
	"github.com/ChuLiYu/maga-orchestrator/internal/scheduler"
	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/internal/telemetry"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

// VoiceConfidenceThreshold is the speech recognition confidence below which
// a voice request is answered with a clarification.
const VoiceConfidenceThreshold = 0.5

const statsInterval = 15 * time.Second

// Recognizer transcribes audio.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, lang string) (yandex.Transcript, error)
}

type Option func(*Assistant)

// WithRegisterer registers metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Assistant) { a.registerer = reg }
}

// WithHTTPClient replaces the traced client shared by all providers.
func WithHTTPClient(hc *http.Client) Option { return func(a *Assistant) { a.httpClient = hc } }

func WithClock(c clock.Clock) Option { return func(a *Assistant) { a.clock = c } }

// WithStore uses st instead of opening storage.driver. The assistant closes
// it on Close.
func WithStore(st store.Store) Option { return func(a *Assistant) { a.store = st } }

// WithLLMProvider uses p instead of building providers.llm.
func WithLLMProvider(p llm.Provider) Option { return func(a *Assistant) { a.llm = p } }

// WithRecognizer replaces the speech recognizer used by SubmitVoice.
func WithRecognizer(r Recognizer) Option { return func(a *Assistant) { a.recognizer = r } }

// WithHandlers registers hs ahead of the built-in handlers; a built-in whose
// action is already taken is skipped.
func WithHandlers(hs ...handler.Handler) Option {
	return func(a *Assistant) { a.extra = append(a.extra, hs...) }
}

// Assistant is the assembled process.
type Assistant struct {
	cfg        config.Config
	clock      clock.Clock
	registerer prometheus.Registerer
	httpClient *http.Client
	llm        llm.Provider
	recognizer Recognizer
	extra      []handler.Handler

	metrics   *metrics.Collector
	guard     *resilience.Guard
	store     store.Store
	handlers  *handler.Registry
	scheduler *scheduler.Scheduler
	orch      *orchestrator.Orchestrator
	router    *router.Router

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New assembles an assistant. Call Start to run the scheduler and Close to
// release the store.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Assistant, error) {
	a := &Assistant{cfg: cfg, clock: clock.Real(), stopCh: make(chan struct{})}
	for _, opt := range opts {
		opt(a)
	}
	if a.registerer == nil {
		a.registerer = prometheus.NewRegistry()
	}
	if a.httpClient == nil {
		a.httpClient = telemetry.HTTPClient(30 * time.Second)
	}

	a.metrics = metrics.NewCollector(a.registerer)
	a.guard = resilience.NewGuard(cfg.Resilience,
		resilience.WithClock(a.clock),
		resilience.WithObserver(a.metrics))

	if a.store == nil {
		start := time.Now()
		st, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open task store: %w", err)
		}
		a.store = st
		a.metrics.SetRecoveryTime(time.Since(start))
		log.Info("Task store opened", "driver", cfg.Storage.Driver, "duration", time.Since(start))
	}

	a.handlers = handler.NewRegistry()
	a.scheduler = scheduler.New(a.store, a.handlers, a.guard, cfg.Scheduler,
		scheduler.WithClock(a.clock),
		scheduler.WithObserver(a.metrics),
		scheduler.WithSnapshotInterval(cfg.Storage.SnapshotInterval))

	if err := a.registerHandlers(ctx); err != nil {
		a.store.Close()
		return nil, err
	}

	templates := orchestrator.DefaultTemplates()
	if path := cfg.Orchestrator.TemplatesFile; path != "" {
		overrides, err := orchestrator.LoadTemplates(path)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		templates = orchestrator.Merge(templates, overrides)
	}
	catalog, err := orchestrator.NewCatalog(templates, a.handlers, cfg.Orchestrator.MaxSteps)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("invalid plan templates: %w", err)
	}

	a.orch = orchestrator.New(catalog, a.handlers, a.guard, cfg.Orchestrator, cfg.Router.ConfidenceThreshold,
		orchestrator.WithClock(a.clock),
		orchestrator.WithObserver(a.metrics))

	var routerOpts []router.Option
	if cfg.Router.LLMRefine && a.llm != nil {
		p := a.llm
		routerOpts = append(routerOpts, router.WithRefiner(router.NewLLMRefiner(func(ctx context.Context, prompt string) (string, error) {
			return llm.Complete(ctx, p, prompt)
		}), a.guard))
	}
	a.router = router.New(cfg.Router.ConfidenceThreshold, routerOpts...)

	log.Info("Assistant assembled",
		"actions", len(a.handlers.Names()),
		"templates", len(catalog.Templates()),
		"llm_refine", len(routerOpts) > 0)
	return a, nil
}

func (a *Assistant) registerHandlers(ctx context.Context) error {
	cfg := a.cfg.Providers

	if a.llm == nil {
		p, err := llm.New(ctx, cfg.LLM, a.httpClient)
		if err != nil {
			log.Warn("LLM provider unavailable, LLM actions will fail", "provider", cfg.LLM.Provider, "error", err)
		} else {
			a.llm = p
		}
	}
	provider := a.llm
	if provider == nil {
		provider = offlineProvider{}
	}

	yc := yandex.NewClient(cfg.Yandex, a.httpClient)
	if a.recognizer == nil {
		a.recognizer = yc
	}
	var images yandex.ImageSource
	if cfg.ObjectStore.Endpoint != "" {
		src, err := yandex.NewMinioSource(cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("failed to configure object store: %w", err)
		}
		images = src
	}

	var hs []handler.Handler
	hs = append(hs, a.extra...)
	hs = append(hs,
		handler.Clarify(),
		handler.Compose(),
		handler.Schedule(a.scheduler, a.clock.Now),
		notify.NewWebhook(cfg.Notify, a.httpClient).Handler(),
	)
	hs = append(hs, llm.Handlers(provider, llm.Options{MaxTokens: cfg.LLM.MaxTokens})...)
	hs = append(hs, yc.Handlers(images)...)
	hs = append(hs, jobsearch.NewClient(cfg.HH, a.httpClient).Handlers()...)

	for _, h := range hs {
		if a.handlers.Has(h.Name()) {
			continue
		}
		if err := a.handlers.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// offlineProvider stands in when no LLM is configured.
type offlineProvider struct{}

func (offlineProvider) Name() string { return "offline" }

func (offlineProvider) Generate(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, &errmodel.Error{
		Kind:       errmodel.KindConfiguration,
		Dependency: llm.Dependency,
		Message:    "no language model configured",
	}
}

// Start runs the scheduler when enabled.
func (a *Assistant) Start(ctx context.Context) error {
	if !a.cfg.Scheduler.Enabled {
		log.Info("Scheduler disabled")
		return nil
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.wg.Add(1)
	go a.statsLoop()
	return nil
}

func (a *Assistant) statsLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.refreshTaskGauges(context.Background())
		}
	}
}

func (a *Assistant) refreshTaskGauges(ctx context.Context) {
	counts, err := a.store.Counts(ctx)
	if err != nil {
		log.Warn("Failed to read task counts", "error", err)
		return
	}
	a.metrics.UpdateTaskCounts(counts)
	a.guard.PruneBuckets(time.Hour)
}

// Close stops the scheduler and closes the store.
func (a *Assistant) Close() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
		a.scheduler.Stop()
		err = a.store.Close()
	})
	return err
}

// SubmitIntent classifies text and executes the resulting plan.
func (a *Assistant) SubmitIntent(ctx context.Context, text, sessionID string, sc types.SessionContext) (types.PlanResult, error) {
	if strings.TrimSpace(text) == "" {
		return types.PlanResult{}, errmodel.Invalid("text is required")
	}
	sc.SessionID = sessionID
	intent, err := a.router.Classify(ctx, text, sc)
	if err != nil {
		return types.PlanResult{}, err
	}
	log.Debug("Intent classified", "session", sessionID, "intent", intent.Type, "confidence", intent.Confidence)
	return a.orch.Execute(ctx, intent, sessionID)
}

// SubmitVoice transcribes audio and handles the text. A transcript below
// VoiceConfidenceThreshold produces a clarification without classification.
func (a *Assistant) SubmitVoice(ctx context.Context, audio []byte, sessionID string, sc types.SessionContext) (types.PlanResult, error) {
	if len(audio) == 0 {
		return types.PlanResult{}, errmodel.Invalid("audio is required")
	}
	transcript, err := resilience.Call(ctx, a.guard, sessionID, yandex.DepSTT, func(ctx context.Context) (yandex.Transcript, error) {
		return a.recognizer.Recognize(ctx, audio, sc.Language)
	})
	if err != nil {
		return types.PlanResult{}, err
	}

	if transcript.Confidence < VoiceConfidenceThreshold || strings.TrimSpace(transcript.Text) == "" {
		log.Info("Low speech confidence, asking to repeat", "session", sessionID, "confidence", transcript.Confidence)
		in := types.NewIntent(types.IntentClarify, transcript.Confidence, map[string]any{"lang": sc.Language}, transcript.Text)
		in.Explanation = "low speech recognition confidence"
		return a.orch.Execute(ctx, in, sessionID)
	}

	sc.Source = "voice"
	if sc.Language == "" {
		sc.Language = transcript.Language
	}
	return a.SubmitIntent(ctx, transcript.Text, sessionID, sc)
}

// ClassifyOnly runs the router without executing anything.
func (a *Assistant) ClassifyOnly(ctx context.Context, text string) (types.Intent, error) {
	return a.router.Classify(ctx, text, types.SessionContext{})
}

// EnqueueDeferredTask schedules an action.
func (a *Assistant) EnqueueDeferredTask(ctx context.Context, req types.EnqueueRequest) (types.TaskID, error) {
	return a.scheduler.Enqueue(ctx, req)
}

// GetPlanResult returns a stored plan result.
func (a *Assistant) GetPlanResult(id types.PlanID) (types.PlanResult, error) {
	return a.orch.Result(id)
}

// GetTaskStatus returns one deferred task.
func (a *Assistant) GetTaskStatus(ctx context.Context, id types.TaskID) (*types.ScheduledTask, error) {
	return a.scheduler.Status(ctx, id)
}

// RemoveTask deletes a deferred task that is not running.
func (a *Assistant) RemoveTask(ctx context.Context, id types.TaskID) error {
	return a.scheduler.Remove(ctx, id)
}

// DeadLetters lists tasks that exhausted their retries.
func (a *Assistant) DeadLetters(ctx context.Context) ([]*types.ScheduledTask, error) {
	return a.scheduler.DeadLetters(ctx)
}

// RunDueTasks executes due tasks once on the calling goroutine.
func (a *Assistant) RunDueTasks(ctx context.Context) (int, error) {
	return a.scheduler.RunOnce(ctx)
}

// CircuitStates reports every breaker the guard has created.
func (a *Assistant) CircuitStates() []resilience.CircuitState {
	return a.guard.CircuitStates()
}

// Templates returns the validated plan templates.
func (a *Assistant) Templates() []orchestrator.Template {
	return a.orch.Catalog().Templates()
}

// Actions lists the registered action names.
func (a *Assistant) Actions() []string {
	return a.handlers.Names()
}

// Stats summarises the scheduler.
func (a *Assistant) Stats(ctx context.Context) (map[string]any, error) {
	stats, err := a.scheduler.Stats(ctx)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, cs := range a.guard.CircuitStates() {
		if cs.Status == resilience.CircuitOpen {
			open++
		}
	}
	stats["open_circuits"] = open
	return stats, nil
}

// Metrics returns the collector, for serving /metrics.
func (a *Assistant) Metrics() *metrics.Collector { return a.metrics }

// UserMessage renders err for an end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *errmodel.Error
	if errors.As(err, &e) && e.Kind == errmodel.KindInvalidRequest {
		return e.Message
	}
	return errmodel.UserMessage(errmodel.KindOf(err))
}
