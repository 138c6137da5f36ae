package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDevice runs a capture command that writes raw 16-bit PCM to stdout, for
// example `arecord -q -f S16_LE -r 16000 -c 1 -t raw`.
type ExecDevice struct {
	args   []string
	format Format
	chunk  int
}

func NewExecDevice(command string, format Format) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	format = normalize(format)
	// 100ms of audio per read.
	chunk := format.SampleRate * format.Channels * 2 / 10
	return &ExecDevice{args: args, format: format, chunk: chunk}, nil
}

func (d *ExecDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(d.args[0])
	if err != nil {
		return nil, fmt.Errorf("capture command: %w", err)
	}
	cmd := exec.Command(path, d.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	s := &execStream{
		cmd:    cmd,
		format: d.format,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	s.wg.Add(1)
	go s.read(stdout, d.chunk)
	return s, nil
}

func (d *ExecDevice) Release(stream Stream) error {
	s, ok := stream.(*execStream)
	if !ok {
		return errors.New("stream not held by exec device")
	}
	s.once.Do(func() { close(s.done) })
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.wg.Wait()
	return nil
}

type execStream struct {
	cmd    *exec.Cmd
	format Format
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	stderr bytes.Buffer

	mu  sync.Mutex
	err error
}

func (s *execStream) Frames() <-chan []byte { return s.frames }
func (s *execStream) Format() Format        { return s.format }

func (s *execStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *execStream) read(r io.Reader, chunk int) {
	defer s.wg.Done()
	defer close(s.frames)

	var readErr error
	for {
		buf := make([]byte, chunk)
		n, err := io.ReadFull(r, buf)
		// A short read at exit may end mid-sample.
		if n -= n % s.format.frameSize(); n > 0 {
			select {
			case s.frames <- buf[:n]:
			case <-s.done:
				s.wait()
				return
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	waitErr := s.wait()
	s.mu.Lock()
	switch {
	case waitErr != nil:
		s.err = fmt.Errorf("capture command exited: %w: %s", waitErr, bytes.TrimSpace(s.stderr.Bytes()))
	case !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF):
		s.err = readErr
	}
	s.mu.Unlock()
}

func (s *execStream) wait() error {
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		return <-done
	}
}
