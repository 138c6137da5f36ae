package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sgu731/studycap/internal/audiofile"
)

// Options configures a Controller.
type Options struct {
	Device Device
	// Sink receives every chunk captured while not paused. It is called from
	// the capture goroutine.
	Sink func(pcm []byte)
	// OnFault is called once if the device stream ends while capturing.
	OnFault func(error)
	Logger  *slog.Logger
}

// Controller drives a single acquisition of a Device.
type Controller struct {
	device  Device
	sink    func([]byte)
	onFault func(error)
	logger  *slog.Logger

	mu       sync.Mutex
	stream   Stream
	format   Format
	buf      bytes.Buffer
	paused   bool
	stopping bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		device:  opts.Device,
		sink:    opts.Sink,
		onFault: opts.OnFault,
		logger:  logger.With(slog.String("component", "capture")),
	}
}

// Start acquires the device and begins buffering. Any acquisition failure is
// reported as ErrPermissionDenied.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return ErrAlreadyStarted
	}
	stream, err := c.device.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	c.stream = stream
	c.format = normalize(stream.Format())
	c.buf.Reset()
	c.paused = false
	c.stopping = false
	c.quit = make(chan struct{})
	c.wg.Add(1)
	go c.pump(stream, c.quit)
	c.logger.Info("audio capture started",
		slog.Int("sample_rate", c.format.SampleRate),
		slog.Int("channels", c.format.Channels),
	)
	return nil
}

// Pause stops buffering and forwarding. The device stays acquired.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume continues buffering after Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Active reports whether a device is held.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Buffered returns the number of PCM bytes captured so far.
func (c *Controller) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// Stop releases the device and encodes everything captured into a WAV artifact.
func (c *Controller) Stop(ctx context.Context) (Artifact, error) {
	pcm, format, err := c.release(ctx)
	if err != nil {
		return Artifact{}, err
	}
	if tail := len(pcm) % format.frameSize(); tail != 0 {
		c.logger.Warn("dropping partial sample frame", slog.Int("bytes", tail))
		pcm = pcm[:len(pcm)-tail]
	}
	data, err := audiofile.EncodeBytes(pcm, format.SampleRate, format.Channels)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode recording: %w", err)
	}
	return Artifact{
		Data:     data,
		Format:   format,
		Duration: audiofile.Duration(len(pcm), format.SampleRate, format.Channels),
		MIME:     audiofile.MIMEType,
	}, nil
}

// Discard releases the device and drops the buffered audio.
func (c *Controller) Discard() error {
	_, _, err := c.release(context.Background())
	if errors.Is(err, ErrNotStarted) {
		return nil
	}
	return err
}

func (c *Controller) release(ctx context.Context) ([]byte, Format, error) {
	c.mu.Lock()
	stream := c.stream
	if stream == nil {
		c.mu.Unlock()
		return nil, Format{}, ErrNotStarted
	}
	c.stopping = true
	close(c.quit)
	c.mu.Unlock()

	releaseErr := c.device.Release(stream)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	c.mu.Lock()
	pcm := append([]byte(nil), c.buf.Bytes()...)
	format := c.format
	c.buf.Reset()
	c.stream = nil
	c.mu.Unlock()

	if releaseErr != nil {
		c.logger.Warn("device release failed", slogError(releaseErr))
	}
	if waitErr != nil {
		return nil, Format{}, fmt.Errorf("wait for capture: %w", waitErr)
	}
	return pcm, format, nil
}

func (c *Controller) pump(stream Stream, quit <-chan struct{}) {
	defer c.wg.Done()
	frames := stream.Frames()
	for {
		select {
		case <-quit:
			return
		case frame, ok := <-frames:
			if !ok {
				c.fault(stream)
				return
			}
			c.mu.Lock()
			paused := c.paused
			if !paused {
				c.buf.Write(frame)
			}
			c.mu.Unlock()
			if !paused && c.sink != nil {
				c.sink(frame)
			}
		}
	}
}

func (c *Controller) fault(stream Stream) {
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return
	}
	err := ErrStreamEnded
	if cause := stream.Err(); cause != nil {
		err = fmt.Errorf("%w: %w", ErrStreamEnded, cause)
	}
	c.logger.Warn("audio stream ended", slogError(err))
	if c.onFault != nil {
		c.onFault(err)
	}
}

func normalize(f Format) Format {
	if f.SampleRate <= 0 {
		f.SampleRate = 16000
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
