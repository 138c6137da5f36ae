package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceExporter is stdout, otlp or none. Empty selects otlp when an
	// endpoint is set and stdout otherwise.
	TraceExporter string `yaml:"trace_exporter"`
	// PrometheusBind adds a dedicated metrics listener; /metrics is always
	// served on the main HTTP port.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Translation TranslationConfig `yaml:"translation"`
	Session     SessionConfig     `yaml:"session"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Mode             string `yaml:"mode"` // bus, exec, portaudio
	DeviceID         string `yaml:"device_id"`
	Command          string `yaml:"command"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	AcquireTimeoutMS int    `yaml:"acquire_timeout_ms"`
	AgentTimeoutMS   int    `yaml:"agent_timeout_ms"`
}

type RecognitionConfig struct {
	Mode           string `yaml:"mode"` // mock, websocket, exec
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	SegmentMS      int    `yaml:"segment_ms"`
	MaxRetries     int    `yaml:"max_retries"`
	RestartDelayMS int    `yaml:"restart_delay_ms"`
}

type TranslationConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Mode            string  `yaml:"mode"` // mock, ollama, exec
	Endpoint        string  `yaml:"endpoint"`
	Model           string  `yaml:"model"`
	Command         string  `yaml:"command"`
	Temperature     float64 `yaml:"temperature"`
	WindowMS        int     `yaml:"window_ms"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	BreakerFailures int     `yaml:"breaker_failures"`
	BreakerResetMS  int     `yaml:"breaker_reset_ms"`
}

type SessionConfig struct {
	RecognitionLanguage string `yaml:"recognition_language"`
	TranslationLanguage string `yaml:"translation_language"`
	WatchdogIntervalMS  int    `yaml:"watchdog_interval_ms"`
	StallThresholdMS    int    `yaml:"stall_threshold_ms"`
	StopTimeoutMS       int    `yaml:"stop_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "studycap",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/studycap.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:             "bus",
			DeviceID:         "mic-1",
			Command:          "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
			SampleRate:       16000,
			Channels:         1,
			AcquireTimeoutMS: 2000,
			AgentTimeoutMS:   6000,
		},
		Recognition: RecognitionConfig{
			Mode:           "mock",
			PartialEveryMS: 800,
			SegmentMS:      4000,
			MaxRetries:     5,
			RestartDelayMS: 1000,
		},
		Translation: TranslationConfig{
			Enabled:         true,
			Mode:            "mock",
			Endpoint:        "http://localhost:11434",
			Model:           "llama3.2:latest",
			Temperature:     0.2,
			WindowMS:        500,
			TimeoutMS:       15000,
			BreakerFailures: 5,
			BreakerResetMS:  30000,
		},
		Session: SessionConfig{
			RecognitionLanguage: "en-US",
			WatchdogIntervalMS:  1000,
			StallThresholdMS:    5000,
			StopTimeoutMS:       5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "STUDYCAP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "STUDYCAP_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STUDYCAP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STUDYCAP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STUDYCAP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STUDYCAP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STUDYCAP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "STUDYCAP_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.PrometheusBind, "STUDYCAP_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "STUDYCAP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STUDYCAP_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "STUDYCAP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STUDYCAP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STUDYCAP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STUDYCAP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STUDYCAP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STUDYCAP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "STUDYCAP_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "STUDYCAP_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "STUDYCAP_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "STUDYCAP_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "STUDYCAP_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "STUDYCAP_CAPTURE_MODE")
	overrideString(&cfg.Capture.DeviceID, "STUDYCAP_CAPTURE_DEVICE_ID")
	overrideString(&cfg.Capture.Command, "STUDYCAP_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "STUDYCAP_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "STUDYCAP_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.AcquireTimeoutMS, "STUDYCAP_CAPTURE_ACQUIRE_TIMEOUT_MS")
	overrideInt(&cfg.Capture.AgentTimeoutMS, "STUDYCAP_CAPTURE_AGENT_TIMEOUT_MS")
	overrideString(&cfg.Recognition.Mode, "STUDYCAP_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Endpoint, "STUDYCAP_RECOGNITION_ENDPOINT")
	overrideString(&cfg.Recognition.APIKey, "STUDYCAP_RECOGNITION_API_KEY")
	overrideString(&cfg.Recognition.Model, "STUDYCAP_RECOGNITION_MODEL")
	overrideString(&cfg.Recognition.Command, "STUDYCAP_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "STUDYCAP_RECOGNITION_MODEL_PATH")
	overrideInt(&cfg.Recognition.PartialEveryMS, "STUDYCAP_RECOGNITION_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recognition.SegmentMS, "STUDYCAP_RECOGNITION_SEGMENT_MS")
	overrideInt(&cfg.Recognition.MaxRetries, "STUDYCAP_RECOGNITION_MAX_RETRIES")
	overrideInt(&cfg.Recognition.RestartDelayMS, "STUDYCAP_RECOGNITION_RESTART_DELAY_MS")
	overrideBool(&cfg.Translation.Enabled, "STUDYCAP_TRANSLATION_ENABLED")
	overrideString(&cfg.Translation.Mode, "STUDYCAP_TRANSLATION_MODE")
	overrideString(&cfg.Translation.Endpoint, "STUDYCAP_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.Model, "STUDYCAP_TRANSLATION_MODEL")
	overrideString(&cfg.Translation.Command, "STUDYCAP_TRANSLATION_COMMAND")
	overrideFloat(&cfg.Translation.Temperature, "STUDYCAP_TRANSLATION_TEMPERATURE")
	overrideInt(&cfg.Translation.WindowMS, "STUDYCAP_TRANSLATION_WINDOW_MS")
	overrideInt(&cfg.Translation.TimeoutMS, "STUDYCAP_TRANSLATION_TIMEOUT_MS")
	overrideInt(&cfg.Translation.BreakerFailures, "STUDYCAP_TRANSLATION_BREAKER_FAILURES")
	overrideInt(&cfg.Translation.BreakerResetMS, "STUDYCAP_TRANSLATION_BREAKER_RESET_MS")
	overrideString(&cfg.Session.RecognitionLanguage, "STUDYCAP_SESSION_RECOGNITION_LANGUAGE")
	overrideString(&cfg.Session.TranslationLanguage, "STUDYCAP_SESSION_TRANSLATION_LANGUAGE")
	overrideInt(&cfg.Session.WatchdogIntervalMS, "STUDYCAP_SESSION_WATCHDOG_INTERVAL_MS")
	overrideInt(&cfg.Session.StallThresholdMS, "STUDYCAP_SESSION_STALL_THRESHOLD_MS")
	overrideInt(&cfg.Session.StopTimeoutMS, "STUDYCAP_SESSION_STOP_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of stdout|otlp|none")
	}
	switch cfg.Capture.Mode {
	case "bus":
		if cfg.Capture.DeviceID == "" {
			return errors.New("capture.device_id must be set when mode=bus")
		}
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "portaudio":
	default:
		return errors.New("capture.mode must be one of bus|exec|portaudio")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Recognition.Mode {
	case "mock", "websocket":
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
	default:
		return errors.New("recognition.mode must be one of mock|websocket|exec")
	}
	if cfg.Recognition.MaxRetries <= 0 {
		return errors.New("recognition.max_retries must be >= 1")
	}
	if cfg.Recognition.RestartDelayMS < 0 {
		return errors.New("recognition.restart_delay_ms must be >= 0")
	}
	if cfg.Translation.Enabled {
		switch cfg.Translation.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("translation.mode must be one of mock|ollama|exec")
		}
		if cfg.Translation.Mode == "ollama" && cfg.Translation.Endpoint == "" {
			return errors.New("translation.endpoint must be set when mode=ollama")
		}
		if cfg.Translation.Mode == "exec" && cfg.Translation.Command == "" {
			return errors.New("translation.command must be set when mode=exec")
		}
		if cfg.Translation.WindowMS <= 0 {
			return errors.New("translation.window_ms must be positive")
		}
	}
	if cfg.Session.WatchdogIntervalMS <= 0 {
		return errors.New("session.watchdog_interval_ms must be positive")
	}
	if cfg.Session.StallThresholdMS <= cfg.Session.WatchdogIntervalMS {
		return errors.New("session.stall_threshold_ms must be greater than watchdog interval")
	}
	return nil
}
