package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Agent is a capture agent seen on the bus.
type Agent struct {
	DeviceID   string    `json:"device_id"`
	Host       string    `json:"host,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

type Options struct {
	// Timeout after the last heartbeat before an agent is marked unhealthy.
	Timeout       time.Duration
	CheckInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Registry tracks capture agents from their announcements and heartbeats.
type Registry struct {
	conn   *nats.Conn
	opts   Options
	log    *slog.Logger
	now    func() time.Time
	mu     sync.RWMutex
	agents map[string]*Agent
	cancel context.CancelFunc
	subs   []*nats.Subscription
	done   chan struct{}
}

func NewRegistry(ctx context.Context, conn *nats.Conn, opts Options) (*Registry, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 6 * time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		conn:   conn,
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "agent-registry")),
		now:    opts.Now,
		agents: make(map[string]*Agent),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	<-r.done
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(protocol.SubjectAgentAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(protocol.Subject(protocol.SubjectAgentHeartbeatPrefix, "*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var ann protocol.AgentAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || ann.DeviceID == "" {
		r.log.Warn("invalid agent announcement")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[ann.DeviceID]
	if !ok {
		agent = &Agent{DeviceID: ann.DeviceID}
		r.agents[ann.DeviceID] = agent
		r.log.Info("capture agent announced", slog.String("device", ann.DeviceID), slog.String("host", ann.Host))
	}
	agent.Host = ann.Host
	agent.SampleRate = ann.SampleRate
	agent.Channels = ann.Channels
	agent.LastSeen = r.now()
	agent.Healthy = true
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.AgentHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.DeviceID == "" {
		r.log.Warn("invalid agent heartbeat")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[hb.DeviceID]
	if !ok {
		agent = &Agent{DeviceID: hb.DeviceID}
		r.agents[hb.DeviceID] = agent
	}
	if !agent.Healthy {
		r.log.Info("capture agent online", slog.String("device", hb.DeviceID))
	}
	agent.LastSeen = r.now()
	agent.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, agent := range r.agents {
		if agent.Healthy && now.Sub(agent.LastSeen) > r.opts.Timeout {
			agent.Healthy = false
			r.log.Warn("capture agent went quiet", slog.String("device", agent.DeviceID))
		}
	}
}

// Offline reports whether deviceID announced itself and then stopped heartbeating.
// Unknown devices are not offline.
func (r *Registry) Offline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[deviceID]
	return ok && !agent.Healthy
}

// Agents lists known agents ordered by device id.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/sgu731/studycap/agents")
	gauge, err := meter.Int64ObservableGauge("studycap.capture.agents", metric.WithDescription("Known capture agents"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		healthy, unhealthy := r.counts()
		obs.ObserveInt64(gauge, healthy, metric.WithAttributes(attribute.Bool("healthy", true)))
		obs.ObserveInt64(gauge, unhealthy, metric.WithAttributes(attribute.Bool("healthy", false)))
		return nil
	}, gauge)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var healthy, unhealthy int64
	for _, agent := range r.agents {
		if agent.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	return healthy, unhealthy
}
