package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sgu731/studycap/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestResourceAttributesDescribeDeployment(t *testing.T) {
	cfg := config.Default()
	cfg.Session.TranslationLanguage = "fr"
	set := attribute.NewSet(resourceAttributes(cfg)...)

	want := map[attribute.Key]string{
		"service.name":                          "studycap",
		"studycap.capture.mode":                 "bus",
		"studycap.capture.device_id":            "mic-1",
		"studycap.recognition.mode":             "mock",
		"studycap.translation.mode":             "mock",
		"studycap.session.recognition_language": "en-US",
		"studycap.session.translation_language": "fr",
	}
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("%s: expected %q, got %v (present=%v)", key, value, got.Emit(), ok)
		}
	}

	cfg.Translation.Enabled = false
	cfg.Capture.Mode = "exec"
	set = attribute.NewSet(resourceAttributes(cfg)...)
	for _, key := range []attribute.Key{"studycap.translation.mode", "studycap.capture.device_id"} {
		if _, ok := set.Value(key); ok {
			t.Fatalf("%s must be omitted", key)
		}
	}
}

func TestTraceExporterSelection(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{}, "stdout"},
		{config.TelemetryConfig{TraceExporter: "none"}, "none"},
		{config.TelemetryConfig{OTLPEndpoint: "collector:4317", OTLPInsecure: true}, "otlp"},
		{config.TelemetryConfig{OTLPEndpoint: "collector:4317", TraceExporter: "none"}, "none"},
	}
	for _, tc := range cases {
		exporter, name, err := traceExporter(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("%+v: %v", tc.cfg, err)
		}
		if name != tc.want {
			t.Fatalf("%+v: expected %s, got %s", tc.cfg, tc.want, name)
		}
		if (exporter == nil) != (name == "none") {
			t.Fatalf("%+v: unexpected exporter %v", tc.cfg, exporter)
		}
		if exporter != nil {
			_ = exporter.Shutdown(ctx)
		}
	}
	if _, _, err := traceExporter(ctx, config.TelemetryConfig{TraceExporter: "zipkin"}); err == nil {
		t.Fatal("expected unknown exporter error")
	}
}

func TestMetricsHandlerServesSessionMeters(t *testing.T) {
	provider, handler := initMetrics(resource.Empty(), newLogger())
	defer provider.Shutdown(context.Background())
	if handler == nil {
		t.Fatal("expected a scrape handler")
	}
	counter, err := provider.Meter("test").Int64Counter("studycap.sessions")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 2)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, "studycap_sessions") || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("unexpected scrape (%d):\n%s", rec.Code, body)
	}
}
