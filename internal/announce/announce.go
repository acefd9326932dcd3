// Package announce advertises a running engine and its voice catalog on the
// bus and tracks the liveness of peer engines.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cadencelabs/cadence-core/internal/bus"
	"github.com/cadencelabs/cadence-core/internal/config"
	"github.com/cadencelabs/cadence-core/internal/protocol"
	"github.com/cadencelabs/cadence-core/internal/voice"
)

// EngineInfo is the tracked state of one engine seen on the bus.
type EngineInfo struct {
	ID       string
	Version  string
	Voices   []protocol.VoiceInfo
	LastSeen time.Time
	Healthy  bool
}

type Announcer struct {
	cfg      config.NodeConfig
	version  string
	log      *slog.Logger
	bus      *bus.Client
	registry *voice.Registry

	mu        sync.RWMutex
	engines   map[string]*EngineInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

// NewAnnouncer starts announcing on the bus and tracking peers.
func NewAnnouncer(ctx context.Context, cfg config.NodeConfig, version string, busClient *bus.Client, registry *voice.Registry, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:      cfg,
		version:  version,
		log:      log.With(slog.String("component", "announcer")),
		bus:      busClient,
		registry: registry,
		engines:  make(map[string]*EngineInfo),
		meter:    otel.Meter("github.com/cadencelabs/cadence-core/announce"),
		cancel:   cancel,
	}

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := a.subscribe(); err != nil {
		a.cancel()
		return nil, err
	}

	a.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go a.runHeartbeat(ctx)
	go a.monitorHealth(ctx)

	if err := a.Announce(); err != nil {
		a.log.Warn("failed to announce engine", slog.String("error", err.Error()))
	}

	return a, nil
}

func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
}

func (a *Announcer) subscribe() error {
	conn := a.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectAnnounce, a.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	a.subs = append(a.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHeartbeatPrefix+".*", a.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	a.subs = append(a.subs, heartbeatSub)

	return nil
}

func (a *Announcer) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.heartbeat.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evaluateHealth()
		}
	}
}

// Announce publishes this engine's id, version and current voice catalog.
// Called at startup and again after a voice catalog reload.
func (a *Announcer) Announce() error {
	msg := protocol.EngineAnnounce{
		EngineID:  a.cfg.ID,
		Version:   a.version,
		Voices:    a.catalog(),
		Timestamp: time.Now().UTC(),
	}
	if err := a.bus.PublishJSON(protocol.SubjectAnnounce, msg); err != nil {
		return err
	}
	a.updateEngine(msg.EngineID, msg.Version, msg.Voices, msg.Timestamp)
	return nil
}

func (a *Announcer) catalog() []protocol.VoiceInfo {
	voices := a.registry.List()
	infos := make([]protocol.VoiceInfo, 0, len(voices))
	for _, v := range voices {
		infos = append(infos, protocol.VoiceInfo{
			VoiceID:  v.ID,
			Language: v.Language,
			Quality:  protocol.Quality(v.Quality),
			Speakers: v.Speakers,
			Audio: protocol.AudioInfo{
				SampleRate:  v.Audio.SampleRate,
				NumChannels: v.Audio.NumChannels,
				SampleWidth: v.Audio.SampleWidth,
			},
			Speaker:                 v.Defaults.Speaker,
			LengthScale:             v.Defaults.LengthScale,
			NoiseScale:              v.Defaults.NoiseScale,
			NoiseW:                  v.Defaults.NoiseW,
			SupportsStreamingOutput: v.SupportsStreamingOutput,
		})
	}
	return infos
}

func (a *Announcer) publishHeartbeat() error {
	msg := protocol.EngineHeartbeat{
		EngineID:  a.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectHeartbeatPrefix, a.cfg.ID)
	return a.bus.PublishJSON(subject, msg)
}

func (a *Announcer) handleAnnounce(msg *nats.Msg) {
	var ann protocol.EngineAnnounce
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		a.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = time.Now().UTC()
	}
	a.updateEngine(ann.EngineID, ann.Version, ann.Voices, ann.Timestamp)
}

func (a *Announcer) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.EngineHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		a.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	a.updateEngine(hb.EngineID, "", nil, hb.Timestamp)
}

func (a *Announcer) updateEngine(id, version string, voices []protocol.VoiceInfo, timestamp time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	engine, ok := a.engines[id]
	if !ok {
		engine = &EngineInfo{ID: id}
		a.engines[id] = engine
	}
	if version != "" {
		engine.Version = version
	}
	if len(voices) > 0 {
		engine.Voices = voices
	}
	engine.LastSeen = timestamp
	engine.Healthy = true
}

func (a *Announcer) evaluateHealth() {
	a.mu.Lock()
	defer a.mu.Unlock()

	timeout := time.Duration(a.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, engine := range a.engines {
		if now.Sub(engine.LastSeen) > timeout {
			engine.Healthy = false
		}
	}
}

func (a *Announcer) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	engine, ok := a.engines[a.cfg.ID]
	if !ok {
		return false
	}
	return engine.Healthy
}

// Engines returns a snapshot of every engine seen on the bus.
func (a *Announcer) Engines() []EngineInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	results := make([]EngineInfo, 0, len(a.engines))
	for _, engine := range a.engines {
		results = append(results, *engine)
	}
	return results
}

func (a *Announcer) initMetrics() error {
	if a.meter == nil {
		return nil
	}
	engineGauge, err := a.meter.Int64ObservableGauge("cadence.engines.known",
		metric.WithDescription("Number of engines seen on the bus"))
	if err != nil {
		return err
	}
	voiceGauge, err := a.meter.Int64ObservableGauge("cadence.voices.loaded",
		metric.WithDescription("Number of voices in the local catalog"))
	if err != nil {
		return err
	}
	_, err = a.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		a.mu.RLock()
		engines := int64(len(a.engines))
		a.mu.RUnlock()
		obs.ObserveInt64(engineGauge, engines)
		obs.ObserveInt64(voiceGauge, int64(a.registry.Len()))
		return nil
	}, engineGauge, voiceGauge)
	return err
}
