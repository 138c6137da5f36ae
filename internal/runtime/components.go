package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/capture"
	"github.com/sgu731/studycap/internal/config"
	"github.com/sgu731/studycap/internal/stt"
	"github.com/sgu731/studycap/internal/translation"
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func buildDevice(cfg config.Config, conn *nats.Conn, presence capture.Presence, logger *slog.Logger) (capture.Device, error) {
	format := capture.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}
	switch cfg.Capture.Mode {
	case "bus":
		device, err := capture.NewBusDevice(conn, capture.BusOptions{
			DeviceID:       cfg.Capture.DeviceID,
			Requester:      cfg.RuntimeName,
			AcquireTimeout: ms(cfg.Capture.AcquireTimeoutMS),
			Presence:       presence,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return device, nil
	case "exec":
		device, err := capture.NewExecDevice(cfg.Capture.Command, format)
		if err != nil {
			return nil, err
		}
		return device, nil
	case "portaudio":
		return capture.NewPortAudioDevice(format)
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Capture.Mode)
	}
}

func buildRecognizer(cfg config.RecognitionConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockRecognizer(), nil
	case "websocket":
		return stt.NewWebSocketRecognizer(stt.WebSocketConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
		})
	case "exec":
		return stt.NewExecRecognizer(stt.ExecConfig{
			Command:      cfg.Command,
			ModelPath:    cfg.ModelPath,
			PartialEvery: ms(cfg.PartialEveryMS),
			Segment:      ms(cfg.SegmentMS),
		})
	default:
		return nil, fmt.Errorf("unsupported recognition mode %q", cfg.Mode)
	}
}

// buildTranslator wraps the configured backend in a circuit breaker. A
// disabled translation section still yields the mock backend; the control
// service then never requests a target language.
func buildTranslator(cfg config.TranslationConfig, logger *slog.Logger) (translation.Translator, error) {
	var backend translation.Translator
	switch {
	case !cfg.Enabled || cfg.Mode == "mock":
		backend = translation.NewMockTranslator()
	case cfg.Mode == "ollama":
		backend = translation.NewOllamaTranslator(cfg.Endpoint, cfg.Model, cfg.Temperature)
	case cfg.Mode == "exec":
		t, err := translation.NewExecTranslator(cfg.Command)
		if err != nil {
			return nil, err
		}
		backend = t
	default:
		return nil, fmt.Errorf("unsupported translation mode %q", cfg.Mode)
	}
	return translation.NewBreaker(backend, translation.BreakerConfig{
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: ms(cfg.BreakerResetMS),
		Logger:       logger,
	}), nil
}
