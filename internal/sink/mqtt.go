package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/thermometer"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultDiscoveryPrefix   = "homeassistant"
	DefaultStateTopic        = "bluetooth_probe/state"
	DefaultAvailabilityTopic = "bluetooth_probe/availability"

	availabilityOnline  = "online"
	availabilityOffline = "offline"

	connectWait = 30 * time.Second
)

// MQTTConfig describes the broker and the Home Assistant topics.
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// ClientID defaults to "thermobridge-" plus a random UUID.
	ClientID string

	DiscoveryPrefix   string
	StateTopic        string
	AvailabilityTopic string
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.ClientID == "" {
		c.ClientID = "thermobridge-" + uuid.NewString()
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.StateTopic == "" {
		c.StateTopic = DefaultStateTopic
	}
	if c.AvailabilityTopic == "" {
		c.AvailabilityTopic = DefaultAvailabilityTopic
	}
	return c
}

// publisher is the part of autopaho.ConnectionManager the sink needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// SensorConfig is the Home Assistant MQTT discovery payload for one probe.
type SensorConfig struct {
	DeviceClass       string `json:"device_class"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	ValueTemplate     string `json:"value_template"`
}

// MQTTSink publishes readings as a retained JSON state document and
// announces one Home Assistant temperature sensor per probe.
type MQTTSink struct {
	cfg    MQTTConfig
	logger *logrus.Logger

	mu      sync.Mutex
	pub     publisher
	cm      *autopaho.ConnectionManager
	offline bool
}

func NewMQTTSink(cfg MQTTConfig, logger *logrus.Logger) *MQTTSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTTSink{cfg: cfg.withDefaults(), logger: logger}
}

// Start connects to the broker. Discovery and availability are published on
// every (re-)connect. Start returns once the first connection is up or after
// a bounded wait; autopaho keeps retrying in the background either way.
func (m *MQTTSink) Start(ctx context.Context) error {
	brokerURL := &url.URL{
		Scheme: "mqtt",
		Host:   net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port)),
	}
	logger := m.logger.WithField("broker", brokerURL.String())

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.cfg.AvailabilityTopic,
			Payload: []byte(availabilityOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("MQTT connected to broker")
			m.announce(ctx, cm)
		},
		OnConnectError: func(err error) {
			logger.WithError(err).Warn("MQTT connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.pub = cm
	m.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).Warn("MQTT initial connection timed out, will retry in background")
	}
	return nil
}

// announce publishes the discovery configs and the current availability.
func (m *MQTTSink) announce(ctx context.Context, pub publisher) {
	for probe := 1; probe <= thermometer.ProbeCount; probe++ {
		payload, err := json.Marshal(m.sensorConfig(probe))
		if err != nil {
			m.logger.WithError(err).WithField("probe", probe).Error("Failed to marshal discovery payload")
			continue
		}
		topic := m.DiscoveryTopic(probe)
		if err := m.send(ctx, pub, topic, payload, 1); err != nil {
			m.logger.WithError(err).WithField("topic", topic).Warn("MQTT discovery publish failed")
		}
	}

	m.mu.Lock()
	status := availabilityOnline
	if m.offline {
		status = availabilityOffline
	}
	m.mu.Unlock()
	m.publishAvailability(ctx, pub, status)
}

func (m *MQTTSink) sensorConfig(probe int) SensorConfig {
	return SensorConfig{
		DeviceClass:       "temperature",
		UnitOfMeasurement: "°C",
		Name:              fmt.Sprintf("Bluetooth Probe %d", probe),
		UniqueID:          fmt.Sprintf("bluetooth_probe_%d", probe),
		StateTopic:        m.cfg.StateTopic,
		AvailabilityTopic: m.cfg.AvailabilityTopic,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", probeKey(probe)),
	}
}

// DiscoveryTopic returns the retained config topic for a 1-based probe number.
func (m *MQTTSink) DiscoveryTopic(probe int) string {
	return fmt.Sprintf("%s/sensor/bluetoothProbe%d/config", m.cfg.DiscoveryPrefix, probe)
}

// Publish sends the reading as {"probe_1":..,"probe_6":..} with null for absent probes.
func (m *MQTTSink) Publish(ctx context.Context, r thermometer.ProbeReading) error {
	m.mu.Lock()
	pub := m.pub
	wasOffline := m.offline
	m.offline = false
	m.mu.Unlock()

	if pub == nil {
		return fmt.Errorf("mqtt sink not started")
	}
	if wasOffline {
		m.publishAvailability(ctx, pub, availabilityOnline)
	}

	payload, err := StatePayload(r)
	if err != nil {
		return err
	}
	return m.send(ctx, pub, m.cfg.StateTopic, payload, 0)
}

// Finish marks the sensors unavailable until the next reading arrives.
func (m *MQTTSink) Finish(ctx context.Context, cause error) error {
	m.mu.Lock()
	pub := m.pub
	m.offline = true
	m.mu.Unlock()

	if pub == nil {
		return nil
	}
	m.logger.WithError(cause).Debug("Marking probes unavailable")
	return m.send(ctx, pub, m.cfg.AvailabilityTopic, []byte(availabilityOffline), 1)
}

// Close publishes "offline" and disconnects from the broker.
func (m *MQTTSink) Close(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	pub := m.pub
	m.cm, m.pub = nil, nil
	m.mu.Unlock()

	if pub != nil {
		m.publishAvailability(ctx, pub, availabilityOffline)
	}
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

func (m *MQTTSink) publishAvailability(ctx context.Context, pub publisher, status string) {
	if err := m.send(ctx, pub, m.cfg.AvailabilityTopic, []byte(status), 1); err != nil {
		m.logger.WithError(err).WithField("status", status).Warn("MQTT availability publish failed")
		return
	}
	m.logger.WithField("status", status).Debug("MQTT availability published")
}

func (m *MQTTSink) send(ctx context.Context, pub publisher, topic string, payload []byte, qos byte) error {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// StatePayload renders a reading with keys in probe order.
func StatePayload(r thermometer.ProbeReading) ([]byte, error) {
	state := orderedmap.New[string, any]()
	for i, t := range r {
		if v, ok := t.Value(); ok {
			state.Set(probeKey(i+1), v)
		} else {
			state.Set(probeKey(i+1), nil)
		}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return payload, nil
}

func probeKey(probe int) string {
	return "probe_" + strconv.Itoa(probe)
}
