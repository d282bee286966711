package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/albertojacini/vemorize/internal/buildinfo"
	"github.com/albertojacini/vemorize/internal/config"
	"github.com/albertojacini/vemorize/internal/events"
)

// Entity suffixes published under the device's state topics.
const (
	EntityVoiceState  = "voice_state"
	EntityMode        = "mode"
	EntityDevice      = "device"
	EntityWakeEnabled = "wake_word_enabled"
	EntityTurnsToday  = "turns_today"
	EntityTokensToday = "tokens_today"
	EntityLastTurn    = "last_turn"
	EntityVersion     = "version"
)

// WakeListener receives wake-word detections from the broker.
type WakeListener interface {
	OnWakeWord()
}

// Bridge owns the broker connection, mirrors bus events into HA entity
// states and forwards wake messages while detection is enabled.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	usage      *DailyUsage
	bus        *events.Bus
	logger     *slog.Logger
	limiter    *wakeThrottle

	mu          sync.Mutex
	cm          *autopaho.ConnectionManager
	listener    WakeListener
	wakeEnabled bool
	states      map[string]string
	pending     map[string]bool
	dirty       chan struct{}
}

// New creates a Bridge but does not connect. A nil usage counter gets a
// fresh one.
func New(cfg config.MQTTConfig, instanceID string, usage *DailyUsage, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if usage == nil {
		usage = NewDailyUsage(nil)
	}
	logger = logger.With("component", "mqtt")
	b := &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		usage:      usage,
		bus:        bus,
		logger:     logger,
		limiter:    newWakeThrottle(cfg.WakeRateLimit, time.Minute, logger),
		states:     make(map[string]string),
		pending:    make(map[string]bool),
		dirty:      make(chan struct{}, 1),
	}
	b.setState(EntityVersion, buildinfo.Version)
	b.setState(EntityWakeEnabled, "OFF")
	b.setState(EntityDevice, "OFF")
	b.publishUsage()
	return b
}

// SetListener sets where wake detections go.
func (b *Bridge) SetListener(l WakeListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// WakeWord returns a detector whose Start and Stop gate the wake topic.
func (b *Bridge) WakeWord() *WakeDetector {
	return &WakeDetector{b: b}
}

// WakeDetector enables or disables forwarding of wake messages.
type WakeDetector struct {
	b *Bridge
}

// Start enables wake forwarding.
func (d *WakeDetector) Start() error {
	d.b.setWakeEnabled(true)
	return nil
}

// Stop disables wake forwarding.
func (d *WakeDetector) Stop() error {
	d.b.setWakeEnabled(false)
	return nil
}

func (b *Bridge) setWakeEnabled(on bool) {
	b.mu.Lock()
	b.wakeEnabled = on
	b.mu.Unlock()
	b.setState(EntityWakeEnabled, onOff(on))
}

// Run connects to the broker and publishes state until ctx is
// cancelled. Connection failures after startup are retried by autopaho.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.onConnected(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "vemorize-" + b.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var sub <-chan events.Event
	if b.bus != nil {
		sub = b.bus.Subscribe(64)
		defer b.bus.Unsubscribe(sub)
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			b.observe(ev)
		case <-b.dirty:
			b.flush(ctx)
		}
	}
}

// Stop publishes "offline" and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return nil
	}
	b.publish(ctx, cm, b.availabilityTopic(), "offline", 1)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

// State returns the cached value of an entity.
func (b *Bridge) State(entity string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.states[entity]
	return v, ok
}

func (b *Bridge) onConnected(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range b.entityDefinitions() {
		payload, err := json.Marshal(e.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload", "entity", e.suffix, "error", err)
			continue
		}
		b.publishBytes(ctx, cm, b.discoveryTopic(e.component, e.suffix), payload, 1)
	}
	b.publish(ctx, cm, b.availabilityTopic(), "online", 1)

	topic := b.cfg.WakeTopicOrDefault()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	}); err != nil {
		b.logger.Warn("mqtt wake subscribe failed", "topic", topic, "error", err)
	} else {
		b.logger.Debug("mqtt wake topic subscribed", "topic", topic)
	}

	// Everything is stale after a reconnect.
	b.mu.Lock()
	for entity := range b.states {
		b.pending[entity] = true
	}
	b.mu.Unlock()
	b.signal()
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	if topic != b.cfg.WakeTopicOrDefault() {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}
	if !b.limiter.allow() {
		return
	}
	b.mu.Lock()
	enabled, l := b.wakeEnabled, b.listener
	b.mu.Unlock()
	if !enabled || l == nil {
		b.logger.Debug("mqtt wake ignored, detection disabled")
		return
	}
	b.logger.Debug("mqtt wake received", "payload_size", len(payload))
	l.OnWakeWord()
}

// observe folds one bus event into entity state.
func (b *Bridge) observe(ev events.Event) {
	switch {
	case ev.Source == events.SourceChat && ev.Kind == events.KindLLMResponse:
		b.usage.AddTokens(intData(ev.Data, "input_tokens"), intData(ev.Data, "output_tokens"))
		b.publishUsage()
	case ev.Source == events.SourceChat && ev.Kind == events.KindTurnComplete:
		b.usage.AddTurn()
		b.publishUsage()
	}
	if entity, value, ok := stateFor(ev); ok {
		b.setState(entity, value)
	}
}

func (b *Bridge) publishUsage() {
	u := b.usage.Snapshot()
	b.setState(EntityTurnsToday, strconv.FormatInt(u.Turns, 10))
	b.setState(EntityTokensToday, strconv.FormatInt(u.Tokens(), 10))
	if !u.LastTurn.IsZero() {
		b.setState(EntityLastTurn, u.LastTurn.Format(time.RFC3339))
	}
}

// stateFor maps an event to the entity value it changes.
func stateFor(ev events.Event) (entity, value string, ok bool) {
	switch {
	case ev.Source == events.SourceVoice && ev.Kind == events.KindStateChanged:
		if to, ok := ev.Data["to"].(string); ok {
			return EntityVoiceState, to, true
		}
	case ev.Source == events.SourceChat && ev.Kind == events.KindModeChanged:
		if to, ok := ev.Data["to"].(string); ok {
			return EntityMode, to, true
		}
	case ev.Source == events.SourceDevice && ev.Kind == events.KindConnected:
		return EntityDevice, "ON", true
	case ev.Source == events.SourceDevice && ev.Kind == events.KindDisconnected:
		return EntityDevice, "OFF", true
	}
	return "", "", false
}

func intData(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) setState(entity, value string) {
	b.mu.Lock()
	if old, ok := b.states[entity]; ok && old == value {
		b.mu.Unlock()
		return
	}
	b.states[entity] = value
	b.pending[entity] = true
	b.mu.Unlock()
	b.signal()
}

func (b *Bridge) signal() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// flush publishes pending states while connected. Pending entries
// survive a disconnect and go out on the next connection.
func (b *Bridge) flush(ctx context.Context) {
	b.mu.Lock()
	cm := b.cm
	if cm == nil {
		b.mu.Unlock()
		return
	}
	out := make(map[string]string, len(b.pending))
	for entity := range b.pending {
		out[entity] = b.states[entity]
	}
	clear(b.pending)
	b.mu.Unlock()

	for entity, value := range out {
		if !b.publish(ctx, cm, b.stateTopic(entity), value, 0) {
			b.mu.Lock()
			b.pending[entity] = true
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic, value string, qos byte) bool {
	return b.publishBytes(ctx, cm, topic, []byte(value), qos)
}

func (b *Bridge) publishBytes(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte) bool {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func (b *Bridge) baseTopic() string {
	return "vemorize/" + b.cfg.DeviceName
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/state"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + b.cfg.DeviceName + "/" + entity + "/config"
}

type entityDef struct {
	component string
	suffix    string
	config    EntityConfig
}

func (b *Bridge) entityDefinitions() []entityDef {
	def := func(component, suffix, name string, fill func(*EntityConfig)) entityDef {
		c := EntityConfig{
			Name:              b.device.Name + " " + name,
			UniqueID:          b.instanceID + "_" + suffix,
			StateTopic:        b.stateTopic(suffix),
			AvailabilityTopic: b.availabilityTopic(),
			Device:            b.device,
		}
		fill(&c)
		return entityDef{component: component, suffix: suffix, config: c}
	}
	return []entityDef{
		def("sensor", EntityVoiceState, "Voice State", func(c *EntityConfig) {
			c.Icon = "mdi:microphone"
		}),
		def("sensor", EntityMode, "Mode", func(c *EntityConfig) {
			c.Icon = "mdi:school"
		}),
		def("binary_sensor", EntityDevice, "Companion Device", func(c *EntityConfig) {
			c.DeviceClass = "connectivity"
			c.EntityCategory = "diagnostic"
		}),
		def("binary_sensor", EntityWakeEnabled, "Wake Word Armed", func(c *EntityConfig) {
			c.Icon = "mdi:account-voice"
		}),
		def("sensor", EntityTurnsToday, "Turns Today", func(c *EntityConfig) {
			c.Icon = "mdi:message-text"
			c.StateClass = "total_increasing"
		}),
		def("sensor", EntityTokensToday, "Tokens Today", func(c *EntityConfig) {
			c.Icon = "mdi:counter"
			c.StateClass = "total_increasing"
			c.UnitOfMeasurement = "tokens"
		}),
		def("sensor", EntityLastTurn, "Last Turn", func(c *EntityConfig) {
			c.DeviceClass = "timestamp"
			c.EntityCategory = "diagnostic"
		}),
		def("sensor", EntityVersion, "Version", func(c *EntityConfig) {
			c.Icon = "mdi:tag"
			c.EntityCategory = "diagnostic"
		}),
	}
}
