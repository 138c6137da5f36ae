// Package capture owns the audio input device for a live session: it acquires
// a Device, forwards live PCM to a sink and buffers it into a WAV artifact.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPermissionDenied = errors.New("audio capture permission denied")
	ErrStreamEnded      = errors.New("audio stream ended unexpectedly")
	ErrNotStarted       = errors.New("audio capture not started")
	ErrAlreadyStarted   = errors.New("audio capture already started")
)

// Format describes 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// frameSize is the byte length of one 16-bit sample across all channels.
func (f Format) frameSize() int {
	if f.Channels <= 0 {
		return 2
	}
	return 2 * f.Channels
}

// Stream is an acquired input. Frames is closed when the device stops
// delivering audio; Err then reports why.
type Stream interface {
	Frames() <-chan []byte
	Format() Format
	Err() error
}

// Device hands out exclusive input streams.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
	Release(Stream) error
}

// Artifact is the finalized recording.
type Artifact struct {
	Data     []byte
	Format   Format
	Duration time.Duration
	MIME     string
}
