package translation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const translateScript = `input=$(cat)
case "$input" in
  *'"target_lang":"fr"'*) printf '{"translation":"  bonjour  "}\n' ;;
  *'"target_lang":"xx"'*) printf '{"error":"unsupported language"}\n' ;;
  *'"target_lang":"slow"'*) exec sleep 30 ;;
  *) echo "bad request: $input" >&2; exit 4 ;;
esac`

func newExecTranslator(t *testing.T) Translator {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "translate.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+translateScript+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tr, err := NewExecTranslator(path)
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	return tr
}

func TestExecTranslatorProtocol(t *testing.T) {
	tr := newExecTranslator(t)
	ctx := context.Background()

	got, err := tr.Translate(ctx, Request{Text: "hello", SourceLang: "en", TargetLang: "fr"})
	if err != nil || got != "bonjour" {
		t.Fatalf("expected trimmed translation, got %q (%v)", got, err)
	}

	_, err = tr.Translate(ctx, Request{Text: "hello", SourceLang: "en", TargetLang: "xx"})
	if err == nil || !strings.Contains(err.Error(), "unsupported language") {
		t.Fatalf("expected reported error, got %v", err)
	}

	_, err = tr.Translate(ctx, Request{Text: "hello", SourceLang: "en", TargetLang: "de"})
	if err == nil || !strings.Contains(err.Error(), "exit status 4") || !strings.Contains(err.Error(), `"text":"hello"`) {
		t.Fatalf("expected exit status with stderr, got %v", err)
	}
}

func TestExecTranslatorHonorsContext(t *testing.T) {
	tr := newExecTranslator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	if _, err := tr.Translate(ctx, Request{Text: "hello", SourceLang: "en", TargetLang: "slow"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("command outlived its context: %v", elapsed)
	}
}

func TestExecTranslatorRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecTranslator("   "); err == nil {
		t.Fatal("expected empty command error")
	}
}
