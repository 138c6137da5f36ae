package sched

import (
	"testing"
	"time"
)

type queue struct {
	fns []func()
}

func (q *queue) post(fn func()) { q.fns = append(q.fns, fn) }

func (q *queue) run() int {
	n := 0
	for len(q.fns) > 0 {
		fn := q.fns[0]
		q.fns = q.fns[1:]
		fn()
		n++
	}
	return n
}

func TestTaskAfterFiresOnce(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	q := &queue{}
	task := NewTask("restart", clock, q.post)

	fired := 0
	task.After(time.Second, func() { fired++ })
	if !task.Pending() {
		t.Fatal("expected task pending")
	}

	clock.Advance(999 * time.Millisecond)
	q.run()
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}

	clock.Advance(time.Millisecond)
	q.run()
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}
	if task.Pending() {
		t.Fatal("expected task idle after firing")
	}

	clock.Advance(10 * time.Second)
	q.run()
	if fired != 1 {
		t.Fatalf("one-shot task fired again: %d", fired)
	}
}

func TestTaskCancelDropsQueuedFiring(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	q := &queue{}
	task := NewTask("debounce", clock, q.post)

	fired := false
	task.After(500*time.Millisecond, func() { fired = true })
	clock.Advance(500 * time.Millisecond)
	if len(q.fns) != 1 {
		t.Fatalf("expected queued firing, got %d", len(q.fns))
	}

	task.Cancel()
	q.run()
	if fired {
		t.Fatal("canceled task must not run")
	}
}

func TestTaskRescheduleSupersedes(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	q := &queue{}
	task := NewTask("debounce", clock, q.post)

	var got []string
	task.After(500*time.Millisecond, func() { got = append(got, "first") })
	clock.Advance(300 * time.Millisecond)
	task.After(500*time.Millisecond, func() { got = append(got, "second") })
	clock.Advance(300 * time.Millisecond)
	q.run()
	if len(got) != 0 {
		t.Fatalf("expected nothing yet, got %v", got)
	}
	clock.Advance(200 * time.Millisecond)
	q.run()
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("expected only second, got %v", got)
	}
}

func TestTaskEveryUntilCanceled(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	q := &queue{}
	task := NewTask("tick", clock, q.post)

	ticks := 0
	task.Every(time.Second, func() {
		ticks++
		if ticks == 3 {
			task.Cancel()
		}
	})
	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		q.run()
	}
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(time.Second, func() { order = append(order, 1) })
	stopped := clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	if !stopped.Stop() {
		t.Fatal("expected stop to succeed")
	}
	clock.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
	if got := clock.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Fatalf("unexpected now %v", got)
	}
}
