package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDeviceBusy = errors.New("device busy")

// MemoryDevice is an in-process Device fed by the caller through Push. Push
// and Fail must be called from a single goroutine.
type MemoryDevice struct {
	format Format

	mu       sync.Mutex
	deny     error
	current  *memoryStream
	acquires int
	releases int
}

func NewMemoryDevice(format Format) *MemoryDevice {
	return &MemoryDevice{format: normalize(format)}
}

// Deny makes subsequent acquisitions fail with err. A nil err allows them again.
func (d *MemoryDevice) Deny(err error) {
	d.mu.Lock()
	d.deny = err
	d.mu.Unlock()
}

func (d *MemoryDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny != nil {
		return nil, d.deny
	}
	if d.current != nil {
		return nil, errDeviceBusy
	}
	d.acquires++
	d.current = &memoryStream{
		format: d.format,
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}
	return d.current, nil
}

func (d *MemoryDevice) Release(s Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, ok := s.(*memoryStream)
	if !ok || ms != d.current {
		return errors.New("stream not held by this device")
	}
	d.releases++
	d.current = nil
	close(ms.done)
	return nil
}

// Push hands pcm to the capture goroutine and reports whether it was taken.
func (d *MemoryDevice) Push(pcm []byte) bool {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil || s.ended {
		return false
	}
	select {
	case s.frames <- pcm:
		return true
	case <-s.done:
		return false
	case <-time.After(2 * time.Second):
		return false
	}
}

// Fail ends the current stream with err as if the device went away.
func (d *MemoryDevice) Fail(err error) {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil || s.ended {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.ended = true
	close(s.frames)
}

// Held reports whether a stream is currently acquired.
func (d *MemoryDevice) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// Acquires returns the number of successful acquisitions.
func (d *MemoryDevice) Acquires() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires
}

// Releases returns the number of releases.
func (d *MemoryDevice) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}

type memoryStream struct {
	format Format
	frames chan []byte
	done   chan struct{}
	ended  bool

	mu  sync.Mutex
	err error
}

func (s *memoryStream) Frames() <-chan []byte { return s.frames }
func (s *memoryStream) Format() Format        { return s.format }

func (s *memoryStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
