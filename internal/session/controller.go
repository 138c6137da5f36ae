package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sgu731/studycap/internal/capture"
	"github.com/sgu731/studycap/internal/protocol"
	"github.com/sgu731/studycap/internal/sched"
	"github.com/sgu731/studycap/internal/stt"
	"github.com/sgu731/studycap/internal/transcription"
	"github.com/sgu731/studycap/internal/translation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	Device     capture.Device
	Recognizer stt.Recognizer
	Translator translation.Translator
	Uploader   Uploader
	Notifier   Notifier
	Clock      sched.Clock
	Logger     *slog.Logger

	SampleRate         int
	Channels           int
	MaxRetries         int
	RestartDelay       time.Duration
	WatchdogInterval   time.Duration
	StallThreshold     time.Duration
	TranslationWindow  time.Duration
	TranslationTimeout time.Duration
	StopTimeout        time.Duration

	NewID func() string
}

// Result describes a stopped session.
type Result struct {
	SessionID       string `json:"session_id"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration_seconds"`
	Segments        int    `json:"segments"`
	AudioBytes      int    `json:"audio_bytes"`
	// AudioMissing is set when the transcript was saved without its audio.
	AudioMissing bool               `json:"audio_missing,omitempty"`
	Ack          protocol.UploadAck `json:"ack"`
}

// Controller owns at most one live Session. Its exported methods are safe for
// concurrent use; all state changes run on the controller's loop goroutine.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	queue     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	engine   *transcription.Engine
	watchdog *transcription.Watchdog
	pipeline *translation.Pipeline
	capture  *capture.Controller
	clock    *Clock

	session       *Session
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	baseCtx       context.Context
	baseCancel    context.CancelFunc

	saving  sync.WaitGroup
	active  atomic.Int64
	metrics controllerMetrics
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Device == nil {
		return nil, errors.New("capture device required")
	}
	if cfg.Recognizer == nil {
		return nil, errors.New("recognizer required")
	}
	if cfg.Translator == nil {
		return nil, errors.New("translator required")
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.Real()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "session")),
		queue:      make(chan func(), 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	engine, err := transcription.NewEngine(transcription.Config{
		Recognizer:   cfg.Recognizer,
		Clock:        cfg.Clock,
		Post:         c.post,
		Listener:     engineListener{c},
		Logger:       logger,
		MaxRetries:   cfg.MaxRetries,
		RestartDelay: cfg.RestartDelay,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
	})
	if err != nil {
		baseCancel()
		return nil, err
	}
	c.engine = engine
	c.watchdog = transcription.NewWatchdog(engine, transcription.WatchdogConfig{
		Clock:    cfg.Clock,
		Post:     c.post,
		Interval: cfg.WatchdogInterval,
		Stall:    cfg.StallThreshold,
		Logger:   logger,
	})

	pipeline, err := translation.NewPipeline(translation.Config{
		Translator: cfg.Translator,
		Clock:      cfg.Clock,
		Post:       c.post,
		Logger:     logger,
		Window:     cfg.TranslationWindow,
		Timeout:    cfg.TranslationTimeout,
		OnDispatch: c.onTranslationDispatch,
		OnResult:   c.onTranslation,
	})
	if err != nil {
		baseCancel()
		return nil, err
	}
	c.pipeline = pipeline

	c.capture = capture.NewController(capture.Options{
		Device: cfg.Device,
		Sink:   engine.Feed,
		OnFault: func(err error) {
			c.post(func() { c.fail(err) })
		},
		Logger: logger,
	})
	c.clock = NewClock(cfg.Clock, c.post, c.onTick)

	if err := c.metrics.init(&c.active); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}

	go c.run()
	return c, nil
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.queue:
			fn()
		case ev, ok := <-c.engine.Events():
			c.engine.Handle(ev, ok)
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) post(fn func()) {
	select {
	case c.queue <- fn:
	case <-c.quit:
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.queue <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Start begins a new session. translationLang may be empty to disable
// translation.
func (c *Controller) Start(ctx context.Context, recognitionLang, translationLang string) error {
	var err error
	if derr := c.do(ctx, func() { err = c.start(ctx, recognitionLang, translationLang) }); derr != nil {
		return derr
	}
	return err
}

// Pause suspends recognition, capture and the clock.
func (c *Controller) Pause(ctx context.Context) error {
	var err error
	if derr := c.do(ctx, func() { err = c.pause(ctx) }); derr != nil {
		return derr
	}
	return err
}

// Resume continues a paused session.
func (c *Controller) Resume(ctx context.Context) error {
	var err error
	if derr := c.do(ctx, func() { err = c.resume(ctx) }); derr != nil {
		return derr
	}
	return err
}

// Stop ends the session and uploads the recording. An empty transcript yields
// ErrNothingCaptured without an upload. The session is reset in every case.
// Once queued, the stop and its upload complete even if ctx expires first.
// When the audio could not be finalized the transcript is still uploaded and
// the returned error wraps ErrAudioUnavailable.
func (c *Controller) Stop(ctx context.Context, title string) (Result, error) {
	out := make(chan stopOutcome, 1)
	if err := c.do(ctx, func() { c.stopAndSave(title, out) }); err != nil {
		return Result{}, err
	}
	select {
	case o := <-out:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type stopOutcome struct {
	result Result
	err    error
}

// stopAndSave halts the session on the loop and hands the upload to its own
// goroutine, bounded by StopTimeout rather than the caller's context.
func (c *Controller) stopAndSave(title string, out chan<- stopOutcome) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.StopTimeout)
	upload, audioErr, err := c.stop(ctx, title)
	cancel()
	if err != nil {
		out <- stopOutcome{err: err}
		return
	}
	c.saving.Add(1)
	go func() {
		defer c.saving.Done()
		out <- c.save(upload, audioErr)
	}()
}

func (c *Controller) save(upload protocol.RecordingUpload, audioErr error) stopOutcome {
	result := Result{
		SessionID:       upload.SessionID,
		Title:           upload.Title,
		DurationSeconds: upload.DurationSeconds,
		Segments:        len(upload.Transcript),
		AudioBytes:      len(upload.AudioBytes),
		AudioMissing:    audioErr != nil,
	}
	stopped := protocol.SessionEvent{Type: protocol.EventStopped, SessionID: upload.SessionID, Elapsed: upload.DurationSeconds}

	if c.cfg.Uploader != nil {
		ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.StopTimeout)
		ack, err := c.cfg.Uploader.Upload(ctx, upload)
		cancel()
		if err != nil {
			c.metrics.session("upload_failed")
			c.logger.Error("recording upload failed", slogError(err), slog.String("session_id", upload.SessionID))
			stopped.Code = CodeInternal
			stopped.Error = err.Error()
			c.notify(stopped)
			return stopOutcome{result: result, err: fmt.Errorf("upload recording: %w", err)}
		}
		result.Ack = ack
		c.logger.Info("recording saved",
			slog.String("session_id", upload.SessionID),
			slog.Int64("recording_id", ack.RecordingID),
			slog.Int("segments", result.Segments),
			slog.Bool("audio_missing", result.AudioMissing),
		)
	}

	if audioErr != nil {
		c.metrics.session("saved_without_audio")
		err := fmt.Errorf("%w: %w", ErrAudioUnavailable, audioErr)
		stopped.Code = CodeAudioUnavailable
		stopped.Error = err.Error()
		c.notify(stopped)
		return stopOutcome{result: result, err: err}
	}
	c.metrics.session("saved")
	c.notify(stopped)
	return stopOutcome{result: result}
}

// Discard abandons the session without uploading anything.
func (c *Controller) Discard(ctx context.Context) error {
	var err error
	if derr := c.do(ctx, func() { err = c.discard(ctx) }); derr != nil {
		return derr
	}
	return err
}

// Snapshot returns the observable state of the live session, or an idle
// snapshot when there is none.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() {
		if c.session == nil {
			snap = Snapshot{State: Idle.String(), Engine: c.engine.Runtime()}
			return
		}
		snap = c.session.snapshot(c.engine.Runtime())
	})
	return snap, err
}

// Close discards any live session and stops the loop.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()
		if err := c.Discard(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
			c.logger.Warn("discard on close failed", slogError(err))
		}
		close(c.quit)
		<-c.done
		c.saving.Wait()
		c.baseCancel()
		c.pipeline.Close()
	})
}

func (c *Controller) start(ctx context.Context, recognitionLang, translationLang string) error {
	if c.session != nil {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidState, c.session.ID, c.session.State)
	}
	recognitionLang = strings.TrimSpace(recognitionLang)
	if recognitionLang == "" {
		return ErrLanguageRequired
	}
	if err := c.capture.Start(ctx); err != nil {
		c.metrics.session("denied")
		return err
	}

	sessionCtx, cancel := context.WithCancel(c.baseCtx)
	c.session = &Session{
		ID:                  c.cfg.NewID(),
		State:               Recording,
		StartedAt:           c.cfg.Clock.Now(),
		RecognitionLanguage: recognitionLang,
		TranslationLanguage: strings.TrimSpace(translationLang),
	}
	c.sessionCtx = sessionCtx
	c.sessionCancel = cancel

	c.engine.Reset()
	if err := c.engine.Start(sessionCtx, recognitionLang); err != nil {
		if derr := c.capture.Discard(); derr != nil {
			c.logger.Warn("release capture device", slogError(derr))
		}
		c.endSession()
		c.metrics.session("denied")
		return fmt.Errorf("start recognition: %w", err)
	}
	c.clock.Start()
	c.watchdog.Start()
	c.active.Store(1)

	c.logger.Info("session started",
		slog.String("session_id", c.session.ID),
		slog.String("recognition_language", recognitionLang),
		slog.String("translation_language", c.session.TranslationLanguage),
	)
	c.notify(c.event(protocol.EventStarted))
	return nil
}

func (c *Controller) pause(ctx context.Context) error {
	if c.session == nil || c.session.State != Recording {
		return c.invalid("pause")
	}
	c.watchdog.Stop()
	if err := c.engine.Stop(ctx); err != nil {
		c.logger.Warn("recognition stop during pause", slogError(err))
	}
	c.capture.Pause()
	c.clock.Pause()
	c.session.Interim = ""
	c.session.State = Paused
	c.logger.Info("session paused", slog.String("session_id", c.session.ID), slog.Int("elapsed_seconds", c.clock.Elapsed()))
	c.notify(c.event(protocol.EventPaused))
	return nil
}

func (c *Controller) resume(ctx context.Context) error {
	if c.session == nil || c.session.State != Paused {
		return c.invalid("resume")
	}
	c.capture.Resume()
	if err := c.engine.Start(c.sessionCtx, c.session.RecognitionLanguage); err != nil {
		err = fmt.Errorf("resume recognition: %w", err)
		c.fail(err)
		return err
	}
	c.clock.Resume()
	c.watchdog.Start()
	c.session.State = Recording
	c.logger.Info("session resumed", slog.String("session_id", c.session.ID))
	c.notify(c.event(protocol.EventResumed))
	return nil
}

// stop halts and resets the session and assembles its upload. audioErr
// reports a recording whose audio could not be finalized.
func (c *Controller) stop(ctx context.Context, title string) (upload protocol.RecordingUpload, audioErr error, err error) {
	if c.session == nil {
		return protocol.RecordingUpload{}, nil, c.invalid("stop")
	}
	s := c.session
	elapsed := c.halt(ctx)
	s.ElapsedSeconds = elapsed

	artifact, cerr := c.capture.Stop(ctx)
	if cerr != nil && !errors.Is(cerr, capture.ErrNotStarted) {
		audioErr = cerr
		c.logger.Error("recording audio unavailable", slogError(cerr), slog.String("session_id", s.ID))
	}
	c.endSession()

	if len(s.Transcript) == 0 {
		c.metrics.session("empty")
		c.logger.Info("session stopped with nothing captured", slog.String("session_id", s.ID))
		c.notify(protocol.SessionEvent{
			Type:      protocol.EventNothingCaptured,
			SessionID: s.ID,
			Elapsed:   elapsed,
			Code:      CodeNothingCaptured,
			Timestamp: c.cfg.Clock.Now().UTC(),
		})
		return protocol.RecordingUpload{}, nil, ErrNothingCaptured
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle(s.StartedAt)
	}
	return protocol.RecordingUpload{
		SessionID:           s.ID,
		Title:               title,
		AudioBytes:          artifact.Data,
		AudioMIME:           artifact.MIME,
		DurationSeconds:     elapsed,
		Transcript:          s.finalTexts(),
		Translation:         append([]string(nil), s.Translation...),
		RecognitionLanguage: s.RecognitionLanguage,
		TranslationLanguage: s.TranslationLanguage,
		StartedAt:           s.StartedAt.UTC(),
	}, audioErr, nil
}

func (c *Controller) discard(ctx context.Context) error {
	if c.session == nil {
		return c.invalid("discard")
	}
	s := c.session
	elapsed := c.halt(ctx)
	if err := c.capture.Discard(); err != nil {
		c.logger.Warn("release capture device", slogError(err))
	}
	c.endSession()
	c.metrics.session("discarded")
	c.logger.Info("session discarded", slog.String("session_id", s.ID))
	c.notify(protocol.SessionEvent{Type: protocol.EventDiscarded, SessionID: s.ID, Elapsed: elapsed, Timestamp: c.cfg.Clock.Now().UTC()})
	return nil
}

// halt cancels every timer and the recognition stream, returning the
// elapsed seconds.
func (c *Controller) halt(ctx context.Context) int {
	c.watchdog.Stop()
	elapsed := c.clock.Stop()
	c.pipeline.Cancel()
	if err := c.engine.Stop(ctx); err != nil {
		c.logger.Warn("recognition stop", slogError(err))
	}
	return elapsed
}

// fail moves the session to Stopping after a terminal failure, keeping the
// transcript for a later Stop or Discard.
func (c *Controller) fail(err error) {
	s := c.session
	if s == nil || s.State == Stopping {
		return
	}
	c.watchdog.Stop()
	c.clock.Pause()
	c.pipeline.Cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	if serr := c.engine.Stop(stopCtx); serr != nil {
		c.logger.Warn("recognition stop after failure", slogError(serr))
	}
	cancel()
	c.capture.Pause()

	s.State = Stopping
	s.Failure = err
	s.Interim = ""
	c.metrics.session("failed")
	c.logger.Error("session failed", slogError(err), slog.String("session_id", s.ID))
	ev := c.event(protocol.EventFailure)
	ev.Code = ErrorCode(err)
	ev.Error = err.Error()
	c.notify(ev)
}

func (c *Controller) endSession() {
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.session = nil
	c.sessionCtx = nil
	c.sessionCancel = nil
	c.active.Store(0)
}

func (c *Controller) invalid(op string) error {
	if c.session == nil {
		return fmt.Errorf("%w: %s with no active session", ErrInvalidState, op)
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, c.session.State)
}

func (c *Controller) onTick(elapsed int) {
	if c.session == nil {
		return
	}
	c.session.ElapsedSeconds = elapsed
	c.notify(c.event(protocol.EventTick))
}

func (c *Controller) onInterim(text string) {
	if c.session == nil || c.session.State != Recording {
		return
	}
	c.session.Interim = text
	ev := c.event(protocol.EventInterim)
	ev.Text = text
	c.notify(ev)
}

func (c *Controller) onFinal(text string, at time.Time) {
	s := c.session
	if s == nil || s.State != Recording {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.appendFinal(text, at)
	ev := c.event(protocol.EventFinal)
	ev.Text = text
	c.notify(ev)

	if s.TranslationLanguage == "" {
		return
	}
	pending, through := s.untranslated()
	c.pipeline.Submit(translation.Job{
		SourceText: pending,
		SourceLang: s.RecognitionLanguage,
		TargetLang: s.TranslationLanguage,
		Through:    through,
	})
}

func (c *Controller) onTranslationDispatch(job translation.Job) {
	if c.session == nil {
		return
	}
	c.session.translated = job.Through
}

func (c *Controller) onTranslation(_ translation.Job, text string) {
	s := c.session
	if s == nil || s.State == Stopping {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.Translation = append(s.Translation, text)
	ev := c.event(protocol.EventTranslation)
	ev.Text = text
	c.notify(ev)
}

func (c *Controller) event(kind string) protocol.SessionEvent {
	ev := protocol.SessionEvent{Type: kind, Timestamp: c.cfg.Clock.Now().UTC()}
	if c.session != nil {
		ev.SessionID = c.session.ID
		ev.State = c.session.State.String()
		ev.Elapsed = c.session.ElapsedSeconds
	}
	return ev
}

func (c *Controller) notify(ev protocol.SessionEvent) {
	if c.cfg.Notifier == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.cfg.Clock.Now().UTC()
	}
	c.cfg.Notifier.Notify(ev)
}

type engineListener struct{ c *Controller }

func (l engineListener) Interim(text string)             { l.c.onInterim(text) }
func (l engineListener) Final(text string, at time.Time) { l.c.onFinal(text, at) }
func (l engineListener) Terminal(err error)              { l.c.fail(err) }

type controllerMetrics struct {
	sessions metric.Int64Counter
}

func (m *controllerMetrics) init(active *atomic.Int64) error {
	meter := otel.Meter("github.com/sgu731/studycap/session")
	sessions, err := meter.Int64Counter("studycap.sessions", metric.WithDescription("Finished sessions by outcome"))
	if err != nil {
		return err
	}
	gauge, err := meter.Int64ObservableGauge("studycap.session.active", metric.WithDescription("Whether a capture session is live"))
	if err != nil {
		return err
	}
	m.sessions = sessions
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active.Load())
		return nil
	}, gauge)
	return err
}

func (m *controllerMetrics) session(outcome string) {
	if m.sessions == nil {
		return
	}
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
