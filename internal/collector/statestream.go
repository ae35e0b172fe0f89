package collector

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"home-habits/internal/bus"
	"home-habits/internal/store"
)

// StatestreamConfig holds MQTT statestream subscriber configuration.
type StatestreamConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string // Home Assistant mqtt_statestream base_topic
}

// Statestream ingests live state changes published by Home Assistant's MQTT
// Statestream integration (<prefix>/<domain>/<object_id>/state). It is an
// optional low-latency complement to the periodic history sync; the sync
// path's second-level dedup key keeps the two from double-counting.
type Statestream struct {
	client pahomqtt.Client
	store  store.Store
	bus    *bus.Bus
	prefix string
	logger *slog.Logger

	// Last seen state per entity, for no-op filtering and old-state fill-in.
	mu        sync.Mutex
	lastState map[string]string
}

// NewStatestream creates and connects a statestream subscriber.
func NewStatestream(st store.Store, b *bus.Bus, cfg StatestreamConfig, logger *slog.Logger) (*Statestream, error) {
	s := &Statestream{
		store:     st,
		bus:       b,
		prefix:    strings.TrimRight(cfg.TopicPrefix, "/"),
		logger:    logger.With("component", "statestream"),
		lastState: make(map[string]string),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("home-habits").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			s.logger.Info("MQTT connected")
			s.subscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	s.client = client
	return s, nil
}

func (s *Statestream) subscribe() {
	topic := s.prefix + "/+/+/state"
	token := s.client.Subscribe(topic, 0, s.handleMessage)
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		s.logger.Error("mqtt subscribe", "topic", topic, "err", token.Error())
		return
	}
	s.logger.Info("statestream subscribed", "topic", topic)
}

// Stop disconnects from the broker.
func (s *Statestream) Stop() {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
	s.logger.Info("statestream stopped")
}

func (s *Statestream) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	// <prefix>/<domain>/<object_id>/state
	rel := strings.TrimPrefix(msg.Topic(), s.prefix+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || parts[2] != "state" {
		return
	}
	domain, object := parts[0], parts[1]
	if !TrackedDomain(domain) {
		return
	}

	state := strings.Trim(string(msg.Payload()), `"`)
	if sentinelState(state) {
		return
	}
	entityID := domain + "." + object

	s.mu.Lock()
	old := s.lastState[entityID]
	if old == state {
		s.mu.Unlock()
		return
	}
	s.lastState[entityID] = state
	s.mu.Unlock()

	ev := &store.Event{
		EntityID:  entityID,
		Domain:    domain,
		OldState:  old,
		NewState:  state,
		Timestamp: time.Now().UTC(),
		// Statestream messages carry no causation metadata.
		Source: store.SourceUnknown,
	}
	if err := s.store.InsertEvent(ev); err != nil {
		s.logger.Error("insert statestream event", "entity", entityID, "err", err)
		return
	}
	s.logger.Debug("statestream event", "entity", entityID, "state", state)
	if s.bus != nil {
		s.bus.Emit(bus.Event{Type: bus.EventRecorded, Data: ev})
	}
}
