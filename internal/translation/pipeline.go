package translation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sgu731/studycap/internal/sched"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultWindow  = 500 * time.Millisecond
	DefaultTimeout = 15 * time.Second
)

// Job is a pending translation. Through is an opaque cursor owned by the
// submitter and handed back in OnDispatch and OnResult.
type Job struct {
	SourceText  string
	SourceLang  string
	TargetLang  string
	ScheduledAt time.Time
	Through     int
}

type Config struct {
	Translator Translator
	Clock      sched.Clock
	Post       func(func())
	Logger     *slog.Logger
	Window     time.Duration
	Timeout    time.Duration
	// OnDispatch is called on the loop when a job leaves the pending slot.
	OnDispatch func(Job)
	// OnResult is called on the loop with the translated text.
	OnResult func(Job, string)
}

// Pipeline debounces jobs and keeps at most one request in flight. All methods
// except Close must be called on the loop that Post feeds.
type Pipeline struct {
	cfg      Config
	logger   *slog.Logger
	debounce *sched.Task
	metrics  pipelineMetrics

	pending  *Job
	due      bool
	inflight bool
	gen      uint64
	abort    context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Translator == nil {
		return nil, errors.New("translator required")
	}
	if cfg.Post == nil {
		return nil, errors.New("post function required")
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.Real()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "translation")),
		debounce: sched.NewTask("translation-debounce", cfg.Clock, cfg.Post),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := p.metrics.init(); err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

// Submit replaces the pending job and restarts the debounce window. It returns
// false, scheduling nothing, when there is nothing to translate.
func (p *Pipeline) Submit(job Job) bool {
	job.SourceText = strings.TrimSpace(job.SourceText)
	if job.SourceText == "" || strings.TrimSpace(job.TargetLang) == "" {
		return false
	}
	if SameLanguage(job.SourceLang, job.TargetLang) {
		return false
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = p.cfg.Clock.Now()
	}
	p.pending = &job
	p.due = false
	p.debounce.After(p.cfg.Window, p.fire)
	return true
}

// Cancel drops the pending job and abandons the in-flight request.
func (p *Pipeline) Cancel() {
	p.debounce.Cancel()
	p.pending = nil
	p.due = false
	p.gen++
	if p.abort != nil {
		p.abort()
		p.abort = nil
	}
	p.inflight = false
}

// Close cancels outstanding requests and waits for their goroutines.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Pending reports whether a job waits in the debounce slot.
func (p *Pipeline) Pending() bool { return p.pending != nil }

// InFlight reports whether a request is running.
func (p *Pipeline) InFlight() bool { return p.inflight }

func (p *Pipeline) fire() {
	if p.pending == nil {
		return
	}
	if p.inflight {
		p.due = true
		return
	}
	p.dispatch()
}

func (p *Pipeline) dispatch() {
	job := *p.pending
	p.pending = nil
	p.due = false
	if p.cfg.OnDispatch != nil {
		p.cfg.OnDispatch(job)
	}

	p.inflight = true
	gen := p.gen
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	p.abort = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		started := time.Now()
		text, err := p.cfg.Translator.Translate(ctx, Request{
			Text:       job.SourceText,
			SourceLang: job.SourceLang,
			TargetLang: job.TargetLang,
		})
		cancel()
		latency := time.Since(started)
		p.cfg.Post(func() { p.complete(gen, job, text, err, latency) })
	}()
}

func (p *Pipeline) complete(gen uint64, job Job, text string, err error, latency time.Duration) {
	if gen != p.gen {
		p.metrics.record("canceled")
		return
	}
	p.inflight = false
	p.abort = nil
	switch {
	case errors.Is(err, ErrCircuitOpen):
		p.metrics.record("circuit_open")
		p.logger.Warn("translation skipped, backend unavailable", slog.Int("chars", len(job.SourceText)))
	case err != nil:
		p.metrics.record("error")
		p.logger.Warn("translation failed",
			slog.String("error", err.Error()),
			slog.String("target", job.TargetLang),
			slog.Duration("latency", latency),
		)
	default:
		p.metrics.record("ok")
		if p.cfg.OnResult != nil {
			p.cfg.OnResult(job, text)
		}
	}
	if p.due && p.pending != nil {
		p.dispatch()
	}
}

type pipelineMetrics struct {
	requests metric.Int64Counter
}

func (m *pipelineMetrics) init() error {
	meter := otel.Meter("github.com/sgu731/studycap/translation")
	counter, err := meter.Int64Counter("studycap.translation.requests", metric.WithDescription("Translation requests by outcome"))
	if err != nil {
		return err
	}
	m.requests = counter
	return nil
}

func (m *pipelineMetrics) record(outcome string) {
	if m.requests == nil {
		return
	}
	m.requests.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
