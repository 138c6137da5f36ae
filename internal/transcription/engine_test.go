package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sgu731/studycap/internal/sched"
	"github.com/sgu731/studycap/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	interims  []string
	finals    []string
	terminals []error
}

func (r *recorder) Interim(text string)            { r.interims = append(r.interims, text) }
func (r *recorder) Final(text string, _ time.Time) { r.finals = append(r.finals, text) }
func (r *recorder) Terminal(err error)             { r.terminals = append(r.terminals, err) }

// harness runs the engine on the test goroutine: posted closures are queued
// and executed by step.
type harness struct {
	t        *testing.T
	clock    *sched.Fake
	queue    []func()
	rec      *stt.Scripted
	listener *recorder
	engine   *Engine
	watchdog *Watchdog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    sched.NewFake(time.Unix(1_700_000_000, 0)),
		rec:      &stt.Scripted{},
		listener: &recorder{},
	}
	engine, err := NewEngine(Config{
		Recognizer: h.rec,
		Clock:      h.clock,
		Post:       h.post,
		Listener:   h.listener,
		Logger:     newLogger(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	h.watchdog = NewWatchdog(engine, WatchdogConfig{Clock: h.clock, Post: h.post, Logger: newLogger()})
	return h
}

func (h *harness) post(fn func()) { h.queue = append(h.queue, fn) }

func (h *harness) drain() {
	for len(h.queue) > 0 {
		fn := h.queue[0]
		h.queue = h.queue[1:]
		fn()
	}
}

// step advances the clock in increments of d, draining the queue after each.
func (h *harness) step(d time.Duration, times int) {
	for i := 0; i < times; i++ {
		h.clock.Advance(d)
		h.drain()
	}
}

// deliver emits ev on the live stream and hands it to the engine.
func (h *harness) deliver(ev stt.Event) {
	h.t.Helper()
	events := h.engine.Events()
	if events == nil {
		h.t.Fatalf("engine not listening (state %s)", h.engine.Runtime().State)
	}
	stream := h.rec.Last()
	go stream.Emit(ev)
	got, ok := <-events
	h.engine.Handle(got, ok)
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.engine.Start(context.Background(), "en-US"); err != nil {
		h.t.Fatalf("start: %v", err)
	}
}

func TestEngineStartListens(t *testing.T) {
	h := newHarness(t)
	h.start()

	rt := h.engine.Runtime()
	if rt.State != Listening || rt.RetryCount != 0 || !rt.LastResultAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected runtime %+v", rt)
	}
	cfg := h.rec.Configs()[0]
	if !cfg.Continuous || !cfg.InterimResults || cfg.Language != "en-US" {
		t.Fatalf("unexpected stream config %+v", cfg)
	}
	if err := h.engine.Start(context.Background(), "en-US"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	h.step(2*time.Second, 1)
	h.deliver(stt.Result("hel", false))
	h.deliver(stt.Result("hello there", true))
	if len(h.listener.interims) != 1 || h.listener.interims[0] != "hel" {
		t.Fatalf("unexpected interims %v", h.listener.interims)
	}
	if len(h.listener.finals) != 1 || h.listener.finals[0] != "hello there" {
		t.Fatalf("unexpected finals %v", h.listener.finals)
	}
	if !h.engine.Runtime().LastResultAt.Equal(h.clock.Now()) {
		t.Fatal("expected LastResultAt refreshed by results")
	}
}

func TestEngineRestartsAfterFixedDelay(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.deliver(stt.Failure(stt.FromReason("aborted")))
	rt := h.engine.Runtime()
	if rt.State != Erroring || rt.RetryCount != 1 {
		t.Fatalf("expected erroring with one retry, got %+v", rt)
	}
	if !h.rec.Streams()[0].Stopped() {
		t.Fatal("broken stream must be stopped")
	}

	h.step(999*time.Millisecond, 1)
	if h.rec.Starts() != 1 {
		t.Fatalf("restarted early: %d starts", h.rec.Starts())
	}
	h.step(time.Millisecond, 1)
	if h.rec.Starts() != 2 {
		t.Fatalf("expected exactly one restart, got %d starts", h.rec.Starts())
	}
	rt = h.engine.Runtime()
	if rt.State != Listening || rt.RetryCount != 0 {
		t.Fatalf("expected listening with reset counter, got %+v", rt)
	}
	h.step(time.Second, 5)
	if h.rec.Starts() != 2 {
		t.Fatalf("unexpected extra restarts: %d", h.rec.Starts())
	}
	if len(h.listener.terminals) != 0 {
		t.Fatalf("unexpected terminal failure %v", h.listener.terminals)
	}
}

func TestEngineFifthAbortIsFatal(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.rec.FailNextStarts(stt.ErrAborted, stt.ErrAborted, stt.ErrAborted, stt.ErrAborted)
	h.deliver(stt.Failure(stt.ErrAborted))
	for i := 0; i < 4; i++ {
		h.step(time.Second, 1)
	}

	rt := h.engine.Runtime()
	if !rt.Fatal || rt.State != Stopped || rt.RetryCount != 5 {
		t.Fatalf("expected fatal after 5 failures, got %+v", rt)
	}
	if h.rec.Starts() != 5 {
		t.Fatalf("expected 5 starts, got %d", h.rec.Starts())
	}
	if len(h.listener.terminals) != 1 || !errors.Is(h.listener.terminals[0], ErrRetryExhausted) {
		t.Fatalf("expected one retry-exhausted notification, got %v", h.listener.terminals)
	}

	h.step(time.Second, 10)
	if h.rec.Starts() != 5 {
		t.Fatalf("no restart allowed after fatal, got %d starts", h.rec.Starts())
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", h.clock.Pending())
	}
}

func TestEnginePermissionDeniedIsFatal(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.deliver(stt.Failure(stt.FromReason("not-allowed")))
	rt := h.engine.Runtime()
	if !rt.Fatal || rt.State != Stopped || rt.RetryCount != 0 {
		t.Fatalf("expected immediate fatal, got %+v", rt)
	}
	if len(h.listener.terminals) != 1 || !errors.Is(h.listener.terminals[0], stt.ErrPermissionDenied) {
		t.Fatalf("expected permission notification, got %v", h.listener.terminals)
	}
	h.step(time.Second, 3)
	if h.rec.Starts() != 1 {
		t.Fatalf("permission denied must not retry, got %d starts", h.rec.Starts())
	}
}

func TestEngineStartFailureReturnsTerminalError(t *testing.T) {
	h := newHarness(t)
	h.rec.FailNextStarts(stt.FromReason("service-not-allowed"))

	err := h.engine.Start(context.Background(), "en")
	if !errors.Is(err, stt.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if len(h.listener.terminals) != 0 {
		t.Fatal("synchronous failures are not notified")
	}

	h.engine.Reset()
	if err := h.engine.Start(context.Background(), "en"); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
}

func TestEngineStartRecoverableFailureSchedulesRestart(t *testing.T) {
	h := newHarness(t)
	h.rec.FailNextStarts(stt.ErrNetwork)

	if err := h.engine.Start(context.Background(), "en"); err != nil {
		t.Fatalf("recoverable start failure must not be returned: %v", err)
	}
	if rt := h.engine.Runtime(); rt.State != Erroring || rt.RetryCount != 1 {
		t.Fatalf("unexpected runtime %+v", rt)
	}
	h.step(time.Second, 1)
	if h.engine.Runtime().State != Listening {
		t.Fatalf("expected listening after restart, got %s", h.engine.Runtime().State)
	}
}

func TestEngineIgnoresNoSpeech(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.deliver(stt.Failure(stt.FromReason("no-speech")))

	rt := h.engine.Runtime()
	if rt.State != Listening || rt.RetryCount != 0 || rt.Fatal {
		t.Fatalf("no-speech must be ignored, got %+v", rt)
	}
	if h.rec.Last().Stopped() {
		t.Fatal("stream must stay open")
	}
}

func TestEngineStreamEndIsAborted(t *testing.T) {
	h := newHarness(t)
	h.start()

	events := h.engine.Events()
	h.rec.Last().End()
	ev, ok := <-events
	h.engine.Handle(ev, ok)

	if rt := h.engine.Runtime(); rt.State != Erroring || rt.RetryCount != 1 {
		t.Fatalf("expected aborted handling, got %+v", rt)
	}
}

func TestEngineStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.deliver(stt.Failure(stt.ErrAborted))

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.step(time.Second, 3)
	if h.rec.Starts() != 1 {
		t.Fatalf("stop must cancel restart, got %d starts", h.rec.Starts())
	}
	if h.engine.Runtime().State != Stopped {
		t.Fatalf("expected stopped, got %s", h.engine.Runtime().State)
	}
	if h.engine.Events() != nil {
		t.Fatal("stopped engine exposes no events")
	}
}

func TestEngineFeedReachesListeningStream(t *testing.T) {
	h := newHarness(t)
	h.engine.Feed(make([]byte, 10))
	h.start()
	h.engine.Feed(make([]byte, 320))
	if got := h.rec.Last().AudioBytes(); got != 320 {
		t.Fatalf("expected 320 bytes forwarded, got %d", got)
	}
	_ = h.engine.Stop(context.Background())
	h.engine.Feed(make([]byte, 320))
	if got := h.rec.Last().AudioBytes(); got != 320 {
		t.Fatalf("audio forwarded after stop: %d", got)
	}
}
