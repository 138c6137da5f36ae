package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultStreamEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultStreamModel    = "nova-3"
)

// WebSocketConfig configures the streaming recognizer.
type WebSocketConfig struct {
	Endpoint     string
	APIKey       string
	Model        string
	DialTimeout  time.Duration
	FlushTimeout time.Duration
}

type wsRecognizer struct {
	cfg WebSocketConfig
}

// NewWebSocketRecognizer returns a recognizer speaking the Deepgram live
// transcription protocol: binary linear16 frames up, JSON Results messages down.
func NewWebSocketRecognizer(cfg WebSocketConfig) (Recognizer, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultStreamEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaultStreamModel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse stt endpoint: %w", err)
	}
	return &wsRecognizer{cfg: cfg}, nil
}

func (r *wsRecognizer) buildURL(cfg Config) (string, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	q := u.Query()
	q.Set("model", r.cfg.Model)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *wsRecognizer) Start(ctx context.Context, cfg Config) (Stream, error) {
	endpoint, err := r.buildURL(cfg)
	if err != nil {
		return nil, &ReasonError{Reason: "network", Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}

	headers := http.Header{}
	if r.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+r.cfg.APIKey)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancelDial()
	conn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ReasonError{Reason: "not-allowed", Err: fmt.Errorf("%w: %s", ErrPermissionDenied, resp.Status)}
		}
		return nil, &ReasonError{Reason: "network", Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &wsStream{
		conn:   conn,
		events: make(chan Event, 16),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
		cancel: cancel,
		flush:  r.cfg.FlushTimeout,
	}
	s.wg.Add(2)
	go s.readLoop(runCtx)
	go s.writeLoop(runCtx)
	return s, nil
}

type resultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type wsStream struct {
	conn   *websocket.Conn
	events chan Event
	audio  chan []byte
	cancel context.CancelFunc
	flush  time.Duration

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	index int
}

func (s *wsStream) Events() <-chan Event { return s.events }

func (s *wsStream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.audio <- pcm:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// Stop asks the service to flush, waits for the read side to drain and then
// closes the connection.
func (s *wsStream) Stop(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
		flushCtx, cancel := context.WithTimeout(ctx, s.flush)
		_ = s.conn.Write(flushCtx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		finished := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-flushCtx.Done():
		}
		cancel()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "stream stopped")
	})
	s.wg.Wait()
	return nil
}

func (s *wsStream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

func (s *wsStream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return
			}
			s.emit(Failure(&ReasonError{Reason: "network", Err: fmt.Errorf("%w: %v", ErrNetwork, err)}))
			return
		}

		ev, ok := s.parse(msg)
		if !ok {
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *wsStream) parse(data []byte) (Event, bool) {
	var msg resultsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return Event{}, false
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Event{}, false
	}
	ev := Result(alt.Transcript, msg.IsFinal)
	ev.Confidence = alt.Confidence
	if msg.IsFinal {
		ev.Index = s.index
		s.index++
	}
	return ev, true
}

func (s *wsStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
