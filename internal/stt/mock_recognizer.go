package stt

import (
	"context"
	"fmt"
	"sync"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that reports the amount of audio it
// received: an interim result every half second of audio and a final one every
// second.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Start(ctx context.Context, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	s := &mockStream{
		bytesPerSecond: rate * channels * 2,
		interim:        cfg.InterimResults,
		events:         make(chan Event, 16),
		audio:          make(chan int, 64),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type mockStream struct {
	bytesPerSecond int
	interim        bool
	events         chan Event
	audio          chan int
	done           chan struct{}
	finished       chan struct{}
	once           sync.Once
	index          int
}

func (s *mockStream) Events() <-chan Event { return s.events }

func (s *mockStream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return ErrStopped
	case s.audio <- len(pcm):
		return nil
	}
}

func (s *mockStream) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mockStream) run() {
	defer close(s.finished)
	var pending int
	var interimSent bool
	for {
		select {
		case <-s.done:
			return
		case n := <-s.audio:
			pending += n
			if s.interim && !interimSent && pending >= s.bytesPerSecond/2 {
				interimSent = true
				if !s.emit(Result(fmt.Sprintf("[partial transcript length=%d]", pending), false)) {
					return
				}
			}
			if pending >= s.bytesPerSecond {
				ev := Result(fmt.Sprintf("[final transcript length=%d]", pending), true)
				ev.Index = s.index
				s.index++
				pending = 0
				interimSent = false
				if !s.emit(ev) {
					return
				}
			}
		}
	}
}

func (s *mockStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
