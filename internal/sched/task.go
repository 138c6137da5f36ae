package sched

import "time"

// Task is a named scheduled callback owned by a single event loop. All methods
// must be called from that loop. Firings are delivered through post and are
// dropped if the task was canceled or rescheduled after the timer fired.
type Task struct {
	name  string
	clock Clock
	post  func(func())

	timer Timer
	seq   uint64
	armed bool
}

// NewTask creates an idle task. post must enqueue fn on the owning loop.
func NewTask(name string, clock Clock, post func(func())) *Task {
	return &Task{name: name, clock: clock, post: post}
}

// Name returns the task label.
func (t *Task) Name() string { return t.name }

// After schedules fn once after d, replacing any previous schedule.
func (t *Task) After(d time.Duration, fn func()) {
	t.Cancel()
	t.armed = true
	seq := t.seq
	t.timer = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if !t.armed || t.seq != seq {
				return
			}
			t.armed = false
			t.timer = nil
			fn()
		})
	})
}

// Every runs fn every d until canceled, replacing any previous schedule. The
// next firing is armed before fn runs so fn may cancel the task.
func (t *Task) Every(d time.Duration, fn func()) {
	t.Cancel()
	t.armed = true
	t.every(t.seq, d, fn)
}

func (t *Task) every(seq uint64, d time.Duration, fn func()) {
	t.timer = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if !t.armed || t.seq != seq {
				return
			}
			t.every(seq, d, fn)
			fn()
		})
	})
}

// Cancel stops the task. Firings already queued on the loop become no-ops.
func (t *Task) Cancel() {
	t.seq++
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether the task is scheduled.
func (t *Task) Pending() bool { return t.armed }
