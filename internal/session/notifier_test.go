package session

import (
	"testing"

	"github.com/sgu731/studycap/internal/protocol"
)

func TestAsyncNotifierKeepsOrderAndFlushesOnClose(t *testing.T) {
	log := &eventLog{}
	n := NewAsyncNotifier(log, 4, newLogger())
	for i := 0; i < 50; i++ {
		n.Notify(protocol.SessionEvent{Type: protocol.EventFinal, Elapsed: i})
	}
	n.Close()
	n.Notify(protocol.SessionEvent{Type: protocol.EventFinal, Elapsed: 99})

	finals := log.of(protocol.EventFinal)
	if len(finals) != 50 {
		t.Fatalf("expected every event delivered before close, got %d", len(finals))
	}
	for i, ev := range finals {
		if ev.Elapsed != i {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
}

func TestAsyncNotifierDropsTicksWhenSinkIsSlow(t *testing.T) {
	log := &eventLog{}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := NotifierFunc(func(ev protocol.SessionEvent) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		log.Notify(ev)
	})
	n := NewAsyncNotifier(slow, 1, newLogger())

	n.Notify(protocol.SessionEvent{Type: protocol.EventStarted})
	<-entered
	n.Notify(protocol.SessionEvent{Type: protocol.EventFinal, Text: "queued"})
	n.Notify(protocol.SessionEvent{Type: protocol.EventTick})
	n.Notify(protocol.SessionEvent{Type: protocol.EventInterim})
	if got := n.Dropped(); got != 2 {
		t.Fatalf("expected tick and interim dropped, got %d", got)
	}

	close(release)
	n.Close()
	if len(log.of(protocol.EventStarted)) != 1 || len(log.of(protocol.EventFinal)) != 1 {
		t.Fatalf("lifecycle events must survive a slow sink, got %+v", log.events)
	}
	if len(log.of(protocol.EventTick)) != 0 {
		t.Fatal("dropped tick was delivered")
	}
}
