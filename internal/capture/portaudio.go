//go:build portaudio

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

type portAudioDevice struct {
	format          Format
	framesPerBuffer int
}

// NewPortAudioDevice captures from the default input device.
func NewPortAudioDevice(format Format) (Device, error) {
	format = normalize(format)
	return &portAudioDevice{format: format, framesPerBuffer: format.SampleRate / 10}, nil
}

func (d *portAudioDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	in := make([]int16, d.framesPerBuffer*d.format.Channels)
	stream, err := portaudio.OpenDefaultStream(d.format.Channels, 0, float64(d.format.SampleRate), d.framesPerBuffer, in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	s := &portAudioStream{
		stream: stream,
		in:     in,
		format: d.format,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.read()
	return s, nil
}

func (d *portAudioDevice) Release(stream Stream) error {
	s, ok := stream.(*portAudioStream)
	if !ok {
		return errors.New("stream not held by portaudio device")
	}
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	err := errors.Join(s.stream.Stop(), s.stream.Close())
	return errors.Join(err, portaudio.Terminate())
}

type portAudioStream struct {
	stream *portaudio.Stream
	in     []int16
	format Format
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *portAudioStream) Frames() <-chan []byte { return s.frames }
func (s *portAudioStream) Format() Format        { return s.format }

func (s *portAudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *portAudioStream) read() {
	defer s.wg.Done()
	defer close(s.frames)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		pcm := make([]byte, len(s.in)*2)
		for i, sample := range s.in {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
		}
		select {
		case s.frames <- pcm:
		case <-s.done:
			return
		}
	}
}
