package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/protocol"
)

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

func TestBusDeviceStreamsFrames(t *testing.T) {
	conn := runBus(t)

	released := make(chan struct{}, 1)
	if _, err := conn.Subscribe("audio.acquire.mic", func(msg *nats.Msg) {
		reply, _ := json.Marshal(protocol.AcquireReply{Granted: true, SampleRate: 8000, Channels: 1})
		_ = msg.Respond(reply)
	}); err != nil {
		t.Fatalf("subscribe acquire: %v", err)
	}
	if _, err := conn.Subscribe("audio.release.mic", func(*nats.Msg) { released <- struct{}{} }); err != nil {
		t.Fatalf("subscribe release: %v", err)
	}

	device, err := NewBusDevice(conn, BusOptions{DeviceID: "mic", Requester: "test", Logger: newLogger()})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	ctrl := NewController(Options{Device: device, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame, _ := json.Marshal(protocol.AudioFrame{DeviceID: "mic", Sequence: 1, PCM: make([]byte, 1600)})
	if err := conn.Publish("audio.frame.mic", frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitBuffered(t, ctrl, 1600)

	artifact, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if artifact.Format.SampleRate != 8000 || artifact.Duration != 100*time.Millisecond {
		t.Fatalf("unexpected artifact %+v", artifact.Format)
	}
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release not announced")
	}
}

func TestBusDeviceRejectsMisalignedFrames(t *testing.T) {
	conn := runBus(t)
	if _, err := conn.Subscribe("audio.acquire.mic", func(msg *nats.Msg) {
		reply, _ := json.Marshal(protocol.AcquireReply{Granted: true, SampleRate: 8000, Channels: 2})
		_ = msg.Respond(reply)
	}); err != nil {
		t.Fatalf("subscribe acquire: %v", err)
	}
	device, err := NewBusDevice(conn, BusOptions{DeviceID: "mic", Logger: newLogger()})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	ctrl := NewController(Options{Device: device, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for seq, size := range []int{3, 6, 8} {
		frame, _ := json.Marshal(protocol.AudioFrame{DeviceID: "mic", Sequence: seq + 1, PCM: make([]byte, size)})
		if err := conn.Publish("audio.frame.mic", frame); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitBuffered(t, ctrl, 8)

	artifact, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(artifact.Data) != 44+8 {
		t.Fatalf("only the aligned frame may be kept, got %d bytes", len(artifact.Data))
	}
}

func TestBusDeviceDenied(t *testing.T) {
	conn := runBus(t)
	if _, err := conn.Subscribe("audio.acquire.mic", func(msg *nats.Msg) {
		reply, _ := json.Marshal(protocol.AcquireReply{Granted: false, Reason: "in use"})
		_ = msg.Respond(reply)
	}); err != nil {
		t.Fatalf("subscribe acquire: %v", err)
	}
	device, err := NewBusDevice(conn, BusOptions{DeviceID: "mic", Logger: newLogger()})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	ctrl := NewController(Options{Device: device, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestBusDeviceNoResponder(t *testing.T) {
	conn := runBus(t)
	device, err := NewBusDevice(conn, BusOptions{DeviceID: "absent", AcquireTimeout: 200 * time.Millisecond, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	ctrl := NewController(Options{Device: device, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

type offlinePresence map[string]bool

func (p offlinePresence) Offline(id string) bool { return p[id] }

func TestBusDeviceOfflineAgentFailsFast(t *testing.T) {
	conn := runBus(t)
	var requests atomic.Int32
	if _, err := conn.Subscribe("audio.acquire.mic", func(msg *nats.Msg) {
		requests.Add(1)
		reply, _ := json.Marshal(protocol.AcquireReply{Granted: true})
		_ = msg.Respond(reply)
	}); err != nil {
		t.Fatalf("subscribe acquire: %v", err)
	}
	device, err := NewBusDevice(conn, BusOptions{DeviceID: "mic", Presence: offlinePresence{"mic": true}, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	ctrl := NewController(Options{Device: device, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := requests.Load(); n != 0 {
		t.Fatalf("offline agent must not be asked, got %d requests", n)
	}
}
