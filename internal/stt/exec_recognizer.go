package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/sgu731/studycap/internal/audiofile"
)

// ExecConfig configures the command-backed recognizer.
type ExecConfig struct {
	Command      string
	ModelPath    string
	PartialEvery time.Duration
	Segment      time.Duration
}

type execRecognizer struct {
	cmd []string
	cfg ExecConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer returns a recognizer that shells out to a batch STT command
// for every partial window and finalizes the buffered audio every segment.
func NewExecRecognizer(cfg ExecConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if cfg.Segment <= 0 {
		cfg.Segment = 4 * time.Second
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Start(ctx context.Context, cfg Config) (Stream, error) {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return nil, &ReasonError{Reason: "service-not-allowed", Err: fmt.Errorf("%w: %v", ErrPermissionDenied, err)}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &execStream{
		rec:      r,
		cfg:      cfg,
		events:   make(chan Event, 8),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
	}
	go s.run(runCtx)
	return s, nil
}

type execStream struct {
	rec    *execRecognizer
	cfg    Config
	events chan Event
	cancel context.CancelFunc

	mu  sync.Mutex
	buf []byte

	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	index    int
}

func (s *execStream) Events() <-chan Event { return s.events }

func (s *execStream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
	return nil
}

func (s *execStream) Stop(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *execStream) run(ctx context.Context) {
	defer close(s.finished)

	tick := s.rec.cfg.PartialEvery
	if tick <= 0 || !s.cfg.InterimResults {
		tick = s.rec.cfg.Segment
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	segmentStart := time.Now()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			final := now.Sub(segmentStart) >= s.rec.cfg.Segment
			s.mu.Lock()
			pcm := append([]byte(nil), s.buf...)
			if final {
				s.buf = s.buf[:0]
				segmentStart = now
			}
			s.mu.Unlock()
			if len(pcm) == 0 {
				continue
			}

			result, err := s.rec.transcribe(ctx, pcm, s.cfg, final)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.emit(Failure(&ReasonError{Reason: "aborted", Err: fmt.Errorf("%w: %v", ErrAborted, err)}))
				return
			}
			if result.Text == "" {
				continue
			}
			ev := Result(result.Text, final)
			ev.Confidence = result.Confidence
			if final {
				ev.Index = s.index
				s.index++
			}
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *execStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte, cfg Config, final bool) (execResult, error) {
	path, err := audiofile.WriteTemp(pcm, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return execResult{}, err
	}
	defer os.Remove(path)

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	command.WaitDelay = time.Second
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}
