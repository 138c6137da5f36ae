package transcription

import (
	"log/slog"
	"time"

	"github.com/sgu731/studycap/internal/sched"
)

const (
	DefaultWatchdogInterval = time.Second
	DefaultStallThreshold   = 5 * time.Second
)

type WatchdogConfig struct {
	Clock    sched.Clock
	Post     func(func())
	Interval time.Duration
	Stall    time.Duration
	Logger   *slog.Logger
}

// Watchdog restarts the engine when no recognition result arrived for longer
// than the stall threshold. It must only run while the session is recording.
type Watchdog struct {
	engine   *Engine
	clock    sched.Clock
	task     *sched.Task
	interval time.Duration
	stall    time.Duration
	logger   *slog.Logger
}

func NewWatchdog(engine *Engine, cfg WatchdogConfig) *Watchdog {
	if cfg.Clock == nil {
		cfg.Clock = sched.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchdogInterval
	}
	if cfg.Stall <= 0 {
		cfg.Stall = DefaultStallThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		engine:   engine,
		clock:    cfg.Clock,
		task:     sched.NewTask("recognition-watchdog", cfg.Clock, cfg.Post),
		interval: cfg.Interval,
		stall:    cfg.Stall,
		logger:   logger.With(slog.String("component", "watchdog")),
	}
}

func (w *Watchdog) Start() { w.task.Every(w.interval, w.check) }

func (w *Watchdog) Stop() { w.task.Cancel() }

func (w *Watchdog) Running() bool { return w.task.Pending() }

func (w *Watchdog) check() {
	rt := w.engine.Runtime()
	if rt.Fatal {
		return
	}
	silence := w.clock.Now().Sub(rt.LastResultAt)
	if silence <= w.stall {
		return
	}
	w.logger.Warn("recognition stalled",
		slog.Duration("silence", silence),
		slog.String("state", rt.State.String()),
	)
	w.engine.ForceRestart("watchdog")
}
