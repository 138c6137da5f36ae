// Package transcription drives a streaming recognizer through an explicit
// state machine with bounded automatic restarts, and watches it for stalls.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sgu731/studycap/internal/sched"
	"github.com/sgu731/studycap/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxRetries   = 5
	DefaultRestartDelay = time.Second
	stopTimeout         = 5 * time.Second
)

var (
	ErrRetryExhausted    = errors.New("recognition retry limit reached")
	ErrInvalidTransition = errors.New("invalid recognition state transition")
)

type State int

const (
	Stopped State = iota
	Starting
	Listening
	Erroring
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Erroring:
		return "erroring"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Runtime is the observable state of the engine.
type Runtime struct {
	State        State     `json:"state"`
	RetryCount   int       `json:"retry_count"`
	LastResultAt time.Time `json:"last_result_at"`
	Fatal        bool      `json:"fatal"`
}

// Listener receives recognition output on the event loop.
type Listener interface {
	Interim(text string)
	Final(text string, at time.Time)
	// Terminal reports a failure that ended recognition for the session. It is
	// not called for failures returned synchronously from Start.
	Terminal(err error)
}

type Config struct {
	Recognizer   stt.Recognizer
	Clock        sched.Clock
	Post         func(func())
	Listener     Listener
	Logger       *slog.Logger
	MaxRetries   int
	RestartDelay time.Duration
	SampleRate   int
	Channels     int
}

// Engine owns the recognition stream of one session. Every method except
// Feed must be called on the event loop that Post feeds.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	restart *sched.Task
	metrics engineMetrics

	ctx    context.Context
	lang   string
	active bool

	state      State
	retries    int
	lastResult time.Time
	fatal      bool
	events     <-chan stt.Event

	streamMu sync.RWMutex
	stream   stt.Stream
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Recognizer == nil {
		return nil, errors.New("recognizer required")
	}
	if cfg.Post == nil {
		return nil, errors.New("post function required")
	}
	if cfg.Listener == nil {
		return nil, errors.New("listener required")
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.Real()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "transcription")),
		restart: sched.NewTask("recognition-restart", cfg.Clock, cfg.Post),
		ctx:     context.Background(),
	}
	if err := e.metrics.init(); err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return e, nil
}

// Start opens a recognition stream for lang. ctx bounds every stream opened
// by the engine until Stop, restarts included. Only a terminal failure is
// returned; a recoverable one schedules a restart.
func (e *Engine) Start(ctx context.Context, lang string) error {
	if e.state != Stopped {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.state)
	}
	if e.fatal {
		return fmt.Errorf("%w: engine is fatal", ErrInvalidTransition)
	}
	e.ctx = ctx
	e.lang = lang
	e.active = true
	// Silence is measured from the start request, even if the first open fails.
	e.lastResult = e.cfg.Clock.Now()
	return e.open(false)
}

// Stop cancels any pending restart and shuts the stream down, returning once
// the backend acknowledged.
func (e *Engine) Stop(ctx context.Context) error {
	e.active = false
	e.restart.Cancel()
	err := e.closeStream(ctx)
	e.state = Stopped
	return err
}

// Reset clears the retry counter, fatal flag and last result time for a new
// session.
func (e *Engine) Reset() {
	e.retries = 0
	e.fatal = false
	e.lastResult = time.Time{}
}

// Events returns the live stream's event channel while Listening, nil otherwise.
func (e *Engine) Events() <-chan stt.Event {
	if e.state != Listening {
		return nil
	}
	return e.events
}

// Handle processes one receive from Events. ok is false when the channel closed.
func (e *Engine) Handle(ev stt.Event, ok bool) {
	if e.state != Listening {
		return
	}
	if !ok {
		e.fail(fmt.Errorf("%w: stream ended", stt.ErrAborted), true)
		return
	}
	if ev.Kind == stt.EventError {
		e.fail(ev.Err, true)
		return
	}
	now := e.cfg.Clock.Now()
	e.lastResult = now
	if ev.Final {
		e.cfg.Listener.Final(ev.Text, now)
		return
	}
	e.cfg.Listener.Interim(ev.Text)
}

// ForceRestart counts a stall against the retry budget and reopens the stream
// immediately, superseding any delayed restart.
func (e *Engine) ForceRestart(reason string) {
	if e.fatal || !e.active {
		return
	}
	e.restart.Cancel()
	e.retries++
	e.metrics.restart(reason)
	if e.retries >= e.cfg.MaxRetries {
		e.terminate(fmt.Errorf("%w: %s after %d attempts", ErrRetryExhausted, reason, e.retries), true)
		return
	}
	e.logger.Warn("forcing recognition restart",
		slog.String("reason", reason),
		slog.Int("retry_count", e.retries),
	)
	e.closeStream(context.Background())
	e.open(true)
}

// Feed forwards captured audio to the live stream. It is safe to call from
// any goroutine; audio is dropped while no stream is listening.
func (e *Engine) Feed(pcm []byte) {
	e.streamMu.RLock()
	stream := e.stream
	e.streamMu.RUnlock()
	if stream == nil {
		return
	}
	_ = stream.SendAudio(pcm)
}

func (e *Engine) Runtime() Runtime {
	return Runtime{
		State:        e.state,
		RetryCount:   e.retries,
		LastResultAt: e.lastResult,
		Fatal:        e.fatal,
	}
}

func (e *Engine) open(notify bool) error {
	e.state = Starting
	stream, err := e.cfg.Recognizer.Start(e.ctx, stt.Config{
		Language:       e.lang,
		Continuous:     true,
		InterimResults: true,
		SampleRate:     e.cfg.SampleRate,
		Channels:       e.cfg.Channels,
	})
	if err != nil {
		if errors.Is(err, stt.ErrNoSpeech) {
			err = fmt.Errorf("%w: %w", stt.ErrAborted, err)
		}
		return e.fail(err, notify)
	}
	if !e.active {
		_ = stream.Stop(context.Background())
		e.state = Stopped
		return nil
	}
	e.streamMu.Lock()
	e.stream = stream
	e.streamMu.Unlock()
	e.events = stream.Events()
	e.state = Listening
	e.retries = 0
	e.lastResult = e.cfg.Clock.Now()
	e.logger.Info("recognition listening", slog.String("language", e.lang))
	return nil
}

func (e *Engine) fail(err error, notify bool) error {
	switch {
	case errors.Is(err, stt.ErrNoSpeech):
		return nil
	case stt.IsFatal(err):
		return e.terminate(err, notify)
	}

	if cerr := e.closeStream(context.Background()); cerr != nil {
		e.logger.Warn("stop broken stream", slogError(cerr))
	}
	e.retries++
	if e.retries >= e.cfg.MaxRetries {
		return e.terminate(fmt.Errorf("%w: %w", ErrRetryExhausted, err), notify)
	}
	e.metrics.restart("error")
	if !e.active {
		e.state = Stopped
		return nil
	}
	e.state = Erroring
	e.logger.Warn("recognition error, scheduling restart",
		slogError(err),
		slog.Int("retry_count", e.retries),
		slog.Duration("delay", e.cfg.RestartDelay),
	)
	e.restart.After(e.cfg.RestartDelay, e.restartNow)
	return nil
}

func (e *Engine) restartNow() {
	if !e.active || e.state != Erroring {
		return
	}
	e.open(true)
}

func (e *Engine) terminate(err error, notify bool) error {
	e.restart.Cancel()
	e.closeStream(context.Background())
	e.state = Stopped
	e.fatal = true
	e.active = false
	e.metrics.failure(err)
	e.logger.Error("recognition failed", slogError(err), slog.Int("retry_count", e.retries))
	if notify {
		e.cfg.Listener.Terminal(err)
	}
	return err
}

func (e *Engine) closeStream(ctx context.Context) error {
	e.streamMu.Lock()
	stream := e.stream
	e.stream = nil
	e.streamMu.Unlock()
	e.events = nil
	if stream == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	return stream.Stop(stopCtx)
}

type engineMetrics struct {
	restarts metric.Int64Counter
	failures metric.Int64Counter
}

func (m *engineMetrics) init() error {
	meter := otel.Meter("github.com/sgu731/studycap/transcription")
	restarts, err := meter.Int64Counter("studycap.recognition.restarts", metric.WithDescription("Recognition restarts by trigger"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64Counter("studycap.recognition.failures", metric.WithDescription("Terminal recognition failures by kind"))
	if err != nil {
		return err
	}
	m.restarts = restarts
	m.failures = failures
	return nil
}

func (m *engineMetrics) restart(reason string) {
	if m.restarts == nil {
		return
	}
	m.restarts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *engineMetrics) failure(err error) {
	if m.failures == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, stt.ErrPermissionDenied):
		kind = "permission_denied"
	case errors.Is(err, ErrRetryExhausted):
		kind = "retry_exhausted"
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
