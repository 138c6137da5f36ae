package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/capture"
	"github.com/sgu731/studycap/internal/protocol"
	"github.com/sgu731/studycap/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func runBus(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

type fakeSessions struct {
	mu       sync.Mutex
	state    string
	started  []string
	startErr error
	stopErr  error
	title    string
}

func (f *fakeSessions) Start(_ context.Context, rec, trans string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.state == "recording" {
		return fmt.Errorf("start while recording: %w", session.ErrInvalidState)
	}
	f.started = append(f.started, rec+"->"+trans)
	f.state = "recording"
	return nil
}

func (f *fakeSessions) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != "recording" {
		return session.ErrInvalidState
	}
	f.state = "paused"
	return nil
}

func (f *fakeSessions) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != "paused" {
		return session.ErrInvalidState
	}
	f.state = "recording"
	return nil
}

func (f *fakeSessions) Stop(_ context.Context, title string) (session.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "idle" || f.state == "" {
		return session.Result{}, session.ErrInvalidState
	}
	f.state = "idle"
	f.title = title
	res := session.Result{SessionID: "s1", Title: title, DurationSeconds: 12}
	if f.stopErr != nil {
		res.AudioMissing = true
		return res, f.stopErr
	}
	return res, nil
}

func (f *fakeSessions) Discard(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = "idle"
	return nil
}

func (f *fakeSessions) Snapshot(context.Context) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	if state == "" {
		state = "idle"
	}
	return session.Snapshot{State: state, IsPaused: state == "paused"}, nil
}

func newService(t *testing.T, conn *nats.Conn, sessions Sessions) *Client {
	t.Helper()
	svc, err := NewService(conn, Options{
		Sessions:                   sessions,
		Logger:                     newLogger(),
		DefaultRecognitionLanguage: "en-US",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return NewClient(conn)
}

func send(t *testing.T, client *Client, command string, cmd protocol.Command) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Send(ctx, command, cmd)
	if err != nil {
		t.Fatalf("%s: %v", command, err)
	}
	return reply
}

func TestCommandsDriveSessions(t *testing.T) {
	conn := runBus(t)
	sessions := &fakeSessions{}
	client := newService(t, conn, sessions)

	reply := send(t, client, protocol.CommandStart, protocol.Command{TranslationLanguage: "fr"})
	if !reply.OK || reply.Snapshot == nil || reply.Snapshot.State != "recording" {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	if len(sessions.started) != 1 || sessions.started[0] != "en-US->fr" {
		t.Fatalf("expected default recognition language, got %v", sessions.started)
	}

	reply = send(t, client, protocol.CommandResume, protocol.Command{})
	if reply.OK || reply.Code != session.CodeInvalidState {
		t.Fatalf("expected invalid_state, got %+v", reply)
	}

	reply = send(t, client, protocol.CommandPause, protocol.Command{})
	if !reply.OK || !reply.Snapshot.IsPaused {
		t.Fatalf("unexpected pause reply %+v", reply)
	}

	reply = send(t, client, protocol.CommandStop, protocol.Command{Title: "Physics"})
	if !reply.OK || reply.Result == nil || reply.Result.Title != "Physics" || reply.Result.DurationSeconds != 12 {
		t.Fatalf("unexpected stop reply %+v", reply)
	}

	reply = send(t, client, protocol.CommandStatus, protocol.Command{})
	if !reply.OK || reply.Snapshot.State != "idle" {
		t.Fatalf("unexpected status reply %+v", reply)
	}

	reply = send(t, client, "rewind", protocol.Command{})
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected unknown command failure, got %+v", reply)
	}
}

func TestCommandErrorCodes(t *testing.T) {
	conn := runBus(t)
	sessions := &fakeSessions{startErr: fmt.Errorf("acquire: %w", capture.ErrPermissionDenied)}
	client := newService(t, conn, sessions)

	reply := send(t, client, protocol.CommandStart, protocol.Command{RecognitionLanguage: "ja"})
	if reply.OK || reply.Code != session.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", reply)
	}

	sessions.mu.Lock()
	sessions.startErr = session.ErrLanguageRequired
	sessions.mu.Unlock()
	reply = send(t, client, protocol.CommandStart, protocol.Command{})
	if reply.Code != session.CodeLanguageRequired {
		t.Fatalf("expected language_required, got %+v", reply)
	}
}

func TestStopReportsResultWithAudioLoss(t *testing.T) {
	conn := runBus(t)
	sessions := &fakeSessions{state: "recording", stopErr: fmt.Errorf("%w: wait for capture: deadline", session.ErrAudioUnavailable)}
	client := newService(t, conn, sessions)

	reply := send(t, client, protocol.CommandStop, protocol.Command{Title: "Chemistry"})
	if reply.OK || reply.Code != session.CodeAudioUnavailable {
		t.Fatalf("expected audio_unavailable, got %+v", reply)
	}
	if reply.Result == nil || reply.Result.SessionID != "s1" || !reply.Result.AudioMissing {
		t.Fatalf("saved transcript must still be reported, got %+v", reply.Result)
	}

	reply = send(t, client, protocol.CommandStop, protocol.Command{})
	if reply.Code != session.CodeInvalidState || reply.Result != nil {
		t.Fatalf("expected invalid_state without result, got %+v", reply)
	}
}

func TestPublisherEmitsEventsBySubject(t *testing.T) {
	conn := runBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan protocol.SessionEvent, 4)
	watching := make(chan error, 1)
	go func() {
		watching <- NewClient(conn).Watch(ctx, func(ev protocol.SessionEvent) { got <- ev })
	}()

	raw, err := conn.SubscribeSync(protocol.Subject(protocol.SubjectSessionEventPrefix, protocol.EventFinal))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// Let the watcher register its subscription.
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(conn, newLogger())
	pub.Notify(protocol.SessionEvent{Type: protocol.EventFinal, SessionID: "s1", Text: "hello", Timestamp: time.Now()})

	msg, err := raw.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var ev protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Text != "hello" {
		t.Fatalf("unexpected event %s (%v)", msg.Data, err)
	}

	select {
	case ev := <-got:
		if ev.SessionID != "s1" || ev.Type != protocol.EventFinal {
			t.Fatalf("unexpected watched event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not receive event")
	}

	cancel()
	if err := <-watching; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("watch: %v", err)
	}
}
