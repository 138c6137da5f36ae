package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sgu731/studycap/internal/agents"
	"github.com/sgu731/studycap/internal/bus"
	"github.com/sgu731/studycap/internal/capture"
	"github.com/sgu731/studycap/internal/config"
	"github.com/sgu731/studycap/internal/control"
	"github.com/sgu731/studycap/internal/eventstore"
	"github.com/sgu731/studycap/internal/natsserver"
	"github.com/sgu731/studycap/internal/session"
	"golang.org/x/sync/errgroup"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	bus    *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := shutdownTelemetry(shutdownCtx); shutdownErr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", shutdownErr.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer client.Close()
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	var presence capture.Presence
	var agentList func() []agents.Agent
	if r.cfg.Capture.Mode == "bus" {
		registry, err := agents.NewRegistry(ctx, client.Conn(), agents.Options{
			Timeout: ms(r.cfg.Capture.AgentTimeoutMS),
			Logger:  r.logger,
		})
		if err != nil {
			return fmt.Errorf("agent registry: %w", err)
		}
		defer registry.Close()
		presence = registry
		agentList = registry.Agents
	}

	device, err := buildDevice(r.cfg, client.Conn(), presence, r.logger)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}
	recognizer, err := buildRecognizer(r.cfg.Recognition)
	if err != nil {
		return fmt.Errorf("recognizer: %w", err)
	}
	translator, err := buildTranslator(r.cfg.Translation, r.logger)
	if err != nil {
		return fmt.Errorf("translator: %w", err)
	}

	events := session.NewAsyncNotifier(session.MultiNotifier{store, control.NewPublisher(client.Conn(), r.logger)}, 1024, r.logger)
	defer events.Close()

	sessions, err := session.NewController(session.Config{
		Device:             device,
		Recognizer:         recognizer,
		Translator:         translator,
		Uploader:           store,
		Notifier:           events,
		Logger:             r.logger,
		SampleRate:         r.cfg.Capture.SampleRate,
		Channels:           r.cfg.Capture.Channels,
		MaxRetries:         r.cfg.Recognition.MaxRetries,
		RestartDelay:       ms(r.cfg.Recognition.RestartDelayMS),
		WatchdogInterval:   ms(r.cfg.Session.WatchdogIntervalMS),
		StallThreshold:     ms(r.cfg.Session.StallThresholdMS),
		TranslationWindow:  ms(r.cfg.Translation.WindowMS),
		TranslationTimeout: ms(r.cfg.Translation.TimeoutMS),
		StopTimeout:        ms(r.cfg.Session.StopTimeoutMS),
	})
	if err != nil {
		return fmt.Errorf("session controller: %w", err)
	}
	defer sessions.Close()
	defer r.saveLive(sessions)

	svc, err := control.NewService(client.Conn(), control.Options{
		Sessions:                   sessions,
		Logger:                     r.logger,
		DefaultRecognitionLanguage: r.cfg.Session.RecognitionLanguage,
		DefaultTranslationLanguage: r.cfg.Session.TranslationLanguage,
		TranslationDisabled:        !r.cfg.Translation.Enabled,
		StopTimeout:                ms(r.cfg.Session.StopTimeoutMS) + 10*time.Second,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Close()

	h := &handlers{
		sessions:   sessions,
		recordings: store,
		agents:     agentList,
		ready:      r.isReady,
		metrics:    metricsHandler,
		logger:     r.logger,
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	servers := []*http.Server{httpServer}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		metricsServer := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, metricsServer)
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return store.RunRetention(gctx, retentionInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind))

	return g.Wait()
}

func (r *Runtime) isReady() bool {
	return r.ready.Load() && r.bus.Healthy()
}

// saveLive stops and uploads a session still recording at shutdown.
func (r *Runtime) saveLive(sessions *session.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), ms(r.cfg.Session.StopTimeoutMS)+10*time.Second)
	defer cancel()
	snap, err := sessions.Snapshot(ctx)
	if err != nil || snap.State == session.Idle.String() {
		return
	}
	res, err := sessions.Stop(ctx, "")
	if errors.Is(err, session.ErrAudioUnavailable) {
		r.logger.Warn("live session saved without audio", slog.String("session_id", res.SessionID), slog.String("error", err.Error()))
		return
	}
	if err != nil {
		r.logger.Warn("live session not saved", slog.String("session_id", snap.ID), slog.String("error", err.Error()))
		return
	}
	r.logger.Info("live session saved on shutdown", slog.String("session_id", res.SessionID), slog.Int64("recording_id", res.Ack.RecordingID))
}
