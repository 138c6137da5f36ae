package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/protocol"
)

// BusOptions configures a BusDevice.
type BusOptions struct {
	DeviceID       string
	Requester      string
	AcquireTimeout time.Duration
	Buffer         int
	// Presence, when set, lets Acquire fail fast for agents known to be offline.
	Presence Presence
	Logger   *slog.Logger
}

// Presence reports capture agents that announced themselves and then went quiet.
type Presence interface {
	Offline(deviceID string) bool
}

// BusDevice captures audio published on the bus by a remote capture agent.
// Acquisition is a request on audio.acquire.<device>; frames arrive on
// audio.frame.<device>; release is announced on audio.release.<device>.
type BusDevice struct {
	conn   *nats.Conn
	opts   BusOptions
	logger *slog.Logger
}

func NewBusDevice(conn *nats.Conn, opts BusOptions) (*BusDevice, error) {
	if conn == nil {
		return nil, errors.New("nats connection required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("device id required")
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BusDevice{
		conn:   conn,
		opts:   opts,
		logger: logger.With(slog.String("component", "capture.bus"), slog.String("device", opts.DeviceID)),
	}, nil
}

func (d *BusDevice) Acquire(ctx context.Context) (Stream, error) {
	if d.opts.Presence != nil && d.opts.Presence.Offline(d.opts.DeviceID) {
		return nil, fmt.Errorf("device %s: capture agent offline", d.opts.DeviceID)
	}
	payload, err := json.Marshal(protocol.AcquireRequest{
		DeviceID:  d.opts.DeviceID,
		Requester: d.opts.Requester,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.opts.AcquireTimeout)
	defer cancel()
	msg, err := d.conn.RequestWithContext(reqCtx, protocol.Subject(protocol.SubjectAudioAcquirePrefix, d.opts.DeviceID), payload)
	if err != nil {
		return nil, fmt.Errorf("request device %s: %w", d.opts.DeviceID, err)
	}
	var reply protocol.AcquireReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode acquire reply: %w", err)
	}
	if !reply.Granted {
		reason := reply.Reason
		if reason == "" {
			reason = "denied"
		}
		return nil, fmt.Errorf("device %s: %s", d.opts.DeviceID, reason)
	}

	s := &busStream{
		format: normalize(Format{SampleRate: reply.SampleRate, Channels: reply.Channels}),
		frames: make(chan []byte, d.opts.Buffer),
		logger: d.logger,
	}
	sub, err := d.conn.Subscribe(protocol.Subject(protocol.SubjectAudioFramePrefix, d.opts.DeviceID), s.handle)
	if err != nil {
		d.publishRelease()
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	d.logger.Info("bus device acquired", slog.Int("sample_rate", s.format.SampleRate))
	return s, nil
}

func (d *BusDevice) Release(stream Stream) error {
	s, ok := stream.(*busStream)
	if !ok {
		return errors.New("stream not held by bus device")
	}
	var errs []error
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	s.close(nil)
	if err := d.publishRelease(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *BusDevice) publishRelease() error {
	payload, err := json.Marshal(protocol.AcquireRequest{
		DeviceID:  d.opts.DeviceID,
		Requester: d.opts.Requester,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := d.conn.Publish(protocol.Subject(protocol.SubjectAudioReleasePrefix, d.opts.DeviceID), payload); err != nil {
		return fmt.Errorf("publish release: %w", err)
	}
	return nil
}

type busStream struct {
	format Format
	frames chan []byte
	sub    *nats.Subscription
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	err     error
	dropped int
	invalid int
}

func (s *busStream) Frames() <-chan []byte { return s.frames }
func (s *busStream) Format() Format        { return s.format }

func (s *busStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *busStream) handle(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("invalid audio frame", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if n := len(frame.PCM); n%s.format.frameSize() != 0 {
		s.invalid++
		if s.invalid%100 == 1 {
			s.logger.Warn("misaligned audio frame rejected",
				slog.Int("bytes", n),
				slog.Int("channels", s.format.Channels),
				slog.Int("rejected", s.invalid),
			)
		}
	} else if n > 0 {
		select {
		case s.frames <- frame.PCM:
		default:
			s.dropped++
			if s.dropped%100 == 1 {
				s.logger.Warn("audio frames dropped", slog.Int("dropped", s.dropped))
			}
		}
	}
	if frame.Final {
		s.closed = true
		s.err = errors.New("capture agent sent final frame")
		close(s.frames)
	}
}

func (s *busStream) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}
