package capture

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "capture.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecDeviceStreamsCommandOutput(t *testing.T) {
	// Two full 100ms reads plus a torn trailing sample.
	script := writeScript(t, "head -c 6401 /dev/zero")
	device, err := NewExecDevice(script, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	faults := make(chan error, 1)
	ctrl := NewController(Options{Device: device, OnFault: func(err error) { faults <- err }, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-faults:
		if !errors.Is(err, ErrStreamEnded) {
			t.Fatalf("expected stream ended, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command exit was not reported")
	}
	if got := ctrl.Buffered(); got != 6400 {
		t.Fatalf("expected 6400 aligned bytes, got %d", got)
	}
	artifact, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if artifact.Duration != 200*time.Millisecond {
		t.Fatalf("expected 200ms of audio, got %v", artifact.Duration)
	}
}

func TestExecDeviceReportsCommandFailure(t *testing.T) {
	script := writeScript(t, `echo "no such card" >&2; exit 3`)
	device, err := NewExecDevice(script, Format{})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	faults := make(chan error, 1)
	ctrl := NewController(Options{Device: device, OnFault: func(err error) { faults <- err }, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.Discard()

	select {
	case err := <-faults:
		if !errors.Is(err, ErrStreamEnded) || !strings.Contains(err.Error(), "no such card") {
			t.Fatalf("expected command stderr in the fault, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command failure was not reported")
	}
}

func TestExecDeviceReleaseStopsCommand(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	device, err := NewExecDevice(script, Format{})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	faults := make(chan error, 1)
	ctrl := NewController(Options{Device: device, OnFault: func(err error) { faults <- err }, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	started := time.Now()
	if _, err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("release took %v", elapsed)
	}
	select {
	case err := <-faults:
		t.Fatalf("a requested stop is not a fault: %v", err)
	default:
	}
}

func TestExecDeviceMissingCommand(t *testing.T) {
	device, err := NewExecDevice("/nonexistent/arecord -q", Format{})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	ctrl := NewController(Options{Device: device, Logger: newLogger()})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
