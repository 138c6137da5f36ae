package stt

import (
	"context"
)

// Config configures a recognition stream.
type Config struct {
	Language       string
	Continuous     bool
	InterimResults bool
	SampleRate     int
	Channels       int
}

// EventKind distinguishes result events from error events.
type EventKind int

const (
	EventResult EventKind = iota
	EventError
)

// Event is emitted by a recognition stream.
type Event struct {
	Kind       EventKind
	Text       string
	Final      bool
	Index      int
	Confidence float64
	Err        error
}

// Stream is a live recognition session. Events must never block Stop: once Stop
// is called, pending event deliveries are abandoned. Stop returns only after
// the backend has fully shut down.
type Stream interface {
	Events() <-chan Event
	SendAudio(pcm []byte) error
	Stop(ctx context.Context) error
}

// Recognizer abstracts streaming STT backends. ctx bounds the stream lifetime.
type Recognizer interface {
	Start(ctx context.Context, cfg Config) (Stream, error)
}

// Result builds a result event.
func Result(text string, final bool) Event {
	return Event{Kind: EventResult, Text: text, Final: final}
}

// Failure builds an error event.
func Failure(err error) Event {
	return Event{Kind: EventError, Err: err}
}
