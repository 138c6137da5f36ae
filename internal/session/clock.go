package session

import (
	"time"

	"github.com/sgu731/studycap/internal/sched"
)

// Clock counts elapsed recording seconds with a pausable one-second tick.
type Clock struct {
	task    *sched.Task
	elapsed int
	running bool
	onTick  func(elapsed int)
}

func NewClock(clock sched.Clock, post func(func()), onTick func(int)) *Clock {
	return &Clock{
		task:   sched.NewTask("session-clock", clock, post),
		onTick: onTick,
	}
}

// Start resets the counter and begins ticking.
func (c *Clock) Start() {
	c.elapsed = 0
	c.running = true
	c.task.Every(time.Second, c.tick)
}

// Pause stops ticking and keeps the elapsed value.
func (c *Clock) Pause() {
	c.task.Cancel()
	c.running = false
}

// Resume continues from the preserved value with a fresh one-second period.
func (c *Clock) Resume() {
	if c.running {
		return
	}
	c.running = true
	c.task.Every(time.Second, c.tick)
}

// Stop halts the clock and returns the elapsed seconds.
func (c *Clock) Stop() int {
	c.task.Cancel()
	c.running = false
	return c.elapsed
}

func (c *Clock) Elapsed() int { return c.elapsed }

func (c *Clock) Running() bool { return c.running }

func (c *Clock) tick() {
	c.elapsed++
	if c.onTick != nil {
		c.onTick(c.elapsed)
	}
}
