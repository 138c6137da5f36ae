package stt

import (
	"context"
	"sync"
	"time"
)

// Scripted is a Recognizer whose streams are driven by the caller. It is used
// to replay recorded event sequences against the transcription engine.
type Scripted struct {
	mu        sync.Mutex
	startErrs []error
	configs   []Config
	streams   []*ScriptedStream

	// EmitTimeout bounds how long Emit waits for the consumer. Defaults to 2s.
	EmitTimeout time.Duration
	// AudioGate, when set, blocks SendAudio on every stream until it is closed.
	AudioGate <-chan struct{}
}

// FailNextStarts queues errors returned by subsequent Start calls, one per call.
// A nil entry lets that call succeed.
func (s *Scripted) FailNextStarts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErrs = append(s.startErrs, errs...)
}

func (s *Scripted) Start(_ context.Context, cfg Config) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, cfg)
	if len(s.startErrs) > 0 {
		err := s.startErrs[0]
		s.startErrs = s.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	timeout := s.EmitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	stream := &ScriptedStream{
		events:  make(chan Event),
		done:    make(chan struct{}),
		timeout: timeout,
		gate:    s.AudioGate,
	}
	s.streams = append(s.streams, stream)
	return stream, nil
}

// Starts returns the number of Start calls, failed ones included.
func (s *Scripted) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

// Configs returns the configurations passed to Start.
func (s *Scripted) Configs() []Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Config(nil), s.configs...)
}

// Streams returns every stream opened so far.
func (s *Scripted) Streams() []*ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ScriptedStream(nil), s.streams...)
}

// Last returns the most recently opened stream, or nil.
func (s *Scripted) Last() *ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// ScriptedStream is a Stream fed through Emit.
type ScriptedStream struct {
	events  chan Event
	done    chan struct{}
	timeout time.Duration
	gate    <-chan struct{}

	mu         sync.Mutex
	stopCalls  int
	ended      bool
	audioBytes int
}

func (s *ScriptedStream) Events() <-chan Event { return s.events }

// Emit delivers ev to the consumer. It returns false if the stream was stopped
// or the consumer did not receive the event in time.
func (s *ScriptedStream) Emit(ev Event) bool {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-time.After(s.timeout):
		return false
	}
}

// End closes the event channel as if the backend stopped on its own.
func (s *ScriptedStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.events)
}

func (s *ScriptedStream) SendAudio(pcm []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCalls > 0 {
		return ErrStopped
	}
	s.audioBytes += len(pcm)
	return nil
}

func (s *ScriptedStream) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCalls == 0 {
		close(s.done)
	}
	s.stopCalls++
	return nil
}

// Stopped reports whether Stop was called.
func (s *ScriptedStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls > 0
}

// AudioBytes returns the number of PCM bytes received.
func (s *ScriptedStream) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioBytes
}
