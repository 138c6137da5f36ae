package translation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaTranslatorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.Model != "qwen2.5" {
			t.Errorf("unexpected request %+v", req)
		}
		if !strings.Contains(req.Prompt, "from zh-TW to en") || !strings.Contains(req.Prompt, "你好") {
			t.Errorf("unexpected prompt %q", req.Prompt)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"response":" Hel","done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"response":"lo","done":false}` + "\n\n"))
		_, _ = w.Write([]byte(`{"response":"","done":true}` + "\n"))
	}))
	defer srv.Close()

	tr := NewOllamaTranslator(srv.URL+"/", "qwen2.5", 0.1)
	out, err := tr.Translate(context.Background(), Request{Text: "你好", SourceLang: "zh-TW", TargetLang: "en"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "Hello" {
		t.Fatalf("unexpected translation %q", out)
	}
}

func TestOllamaTranslatorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewOllamaTranslator(srv.URL, "", 0)
	if _, err := tr.Translate(context.Background(), Request{Text: "hi", TargetLang: "fr"}); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}

func TestMockTranslator(t *testing.T) {
	out, err := NewMockTranslator().Translate(context.Background(), Request{Text: " hi ", TargetLang: "ja"})
	if err != nil || out != "[ja] hi" {
		t.Fatalf("unexpected mock output %q %v", out, err)
	}
}
