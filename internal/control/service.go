package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/protocol"
	"github.com/sgu731/studycap/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sessions is the controller surface driven by bus commands.
type Sessions interface {
	Start(ctx context.Context, recognitionLang, translationLang string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context, title string) (session.Result, error)
	Discard(ctx context.Context) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

// Reply answers every command.
type Reply struct {
	OK       bool              `json:"ok"`
	Code     string            `json:"code,omitempty"`
	Error    string            `json:"error,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Result   *session.Result   `json:"result,omitempty"`
}

// Options configures the command service.
type Options struct {
	Sessions Sessions
	Logger   *slog.Logger
	// Languages used when a start command leaves them empty.
	DefaultRecognitionLanguage string
	DefaultTranslationLanguage string
	// TranslationDisabled drops any requested translation language.
	TranslationDisabled bool
	// StopTimeout bounds a stop including its upload.
	StopTimeout time.Duration
	Timeout     time.Duration
}

// Service serves session.cmd.<command> requests.
type Service struct {
	conn *nats.Conn
	opts Options
	log  *slog.Logger
	sub  *nats.Subscription
}

func NewService(conn *nats.Conn, opts Options) (*Service, error) {
	if conn == nil {
		return nil, errors.New("nats connection required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session controller required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &Service{
		conn: conn,
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "control")),
	}, nil
}

// Start subscribes to the command subjects.
func (s *Service) Start() error {
	subject := protocol.Subject(protocol.SubjectSessionCommandPrefix, "*")
	sub, err := s.conn.Subscribe(subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.log.Info("control service listening", slog.String("subject", subject))
	return nil
}

// Close stops serving commands.
func (s *Service) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Service) handle(msg *nats.Msg) {
	command := strings.TrimPrefix(msg.Subject, protocol.SubjectSessionCommandPrefix+".")

	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.respond(msg, Reply{Code: session.CodeInternal, Error: fmt.Sprintf("decode command: %v", err)})
			return
		}
	}

	timeout := s.opts.Timeout
	if command == protocol.CommandStop {
		timeout = s.opts.StopTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, span := otel.Tracer("studycap/control").Start(ctx, "session."+command)
	defer span.End()

	reply := s.dispatch(ctx, command, cmd)
	span.SetAttributes(attribute.Bool("ok", reply.OK))
	if !reply.OK {
		span.SetStatus(codes.Error, reply.Code)
		s.log.Warn("command failed",
			slog.String("command", command),
			slog.String("code", reply.Code),
			slog.String("error", reply.Error),
		)
	}
	s.respond(msg, reply)
}

func (s *Service) dispatch(ctx context.Context, command string, cmd protocol.Command) Reply {
	sessions := s.opts.Sessions
	switch command {
	case protocol.CommandStart:
		recognition := cmd.RecognitionLanguage
		if recognition == "" {
			recognition = s.opts.DefaultRecognitionLanguage
		}
		translation := cmd.TranslationLanguage
		if translation == "" {
			translation = s.opts.DefaultTranslationLanguage
		}
		if s.opts.TranslationDisabled {
			translation = ""
		}
		return s.withSnapshot(ctx, sessions.Start(ctx, recognition, translation))
	case protocol.CommandPause:
		return s.withSnapshot(ctx, sessions.Pause(ctx))
	case protocol.CommandResume:
		return s.withSnapshot(ctx, sessions.Resume(ctx))
	case protocol.CommandDiscard:
		return s.withSnapshot(ctx, sessions.Discard(ctx))
	case protocol.CommandStop:
		res, err := sessions.Stop(ctx, cmd.Title)
		if err != nil {
			reply := failure(err)
			if res.SessionID != "" {
				reply.Result = &res
			}
			return reply
		}
		return Reply{OK: true, Result: &res}
	case protocol.CommandStatus:
		return s.withSnapshot(ctx, nil)
	default:
		return Reply{Code: session.CodeInvalidState, Error: fmt.Sprintf("unknown command %q", command)}
	}
}

func (s *Service) withSnapshot(ctx context.Context, err error) Reply {
	if err != nil {
		return failure(err)
	}
	snap, err := s.opts.Sessions.Snapshot(ctx)
	if err != nil {
		return failure(err)
	}
	return Reply{OK: true, Snapshot: &snap}
}

func failure(err error) Reply {
	return Reply{Code: session.ErrorCode(err), Error: err.Error()}
}

func (s *Service) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("encode reply failed", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("respond failed", slog.String("error", err.Error()))
	}
}
