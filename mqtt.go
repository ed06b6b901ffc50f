package proxyvisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 1000 // milliseconds
	mqttKeepAlive         = 60 * time.Second
)

var (
	ErrMQTTConnect = errors.New("mqtt connection failed")
	ErrMQTTPublish = errors.New("mqtt publish failed")
)

// mqttPublisher is the subset of pahomqtt.Client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTSink forwards LogEvents to a broker and doubles as an Indicator that
// keeps a retained status document on <prefix>/status.
type MQTTSink struct {
	client mqttPublisher
	prefix string
	qos    byte
	logger *slog.Logger

	mu    sync.Mutex
	since time.Time
}

// mqttStatus is the retained payload on <prefix>/status.
type mqttStatus struct {
	Online    bool      `json:"online"`
	Active    bool      `json:"active"`
	PID       int       `json:"pid"`
	Instances []string  `json:"instances"`
	Since     time.Time `json:"since,omitzero"`
	Updated   time.Time `json:"updated"`
}

// ConnectMQTT dials the broker in cfg. The broker receives an offline status
// as the client's last will.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)

	will, _ := json.Marshal(mqttStatus{PID: os.Getpid(), Instances: []string{}, Updated: time.Now()})
	opts.SetBinaryWill(prefix+"/status", will, byte(cfg.QoS), true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT: connection lost", slog.String("err", err.Error()))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}
	logger.Info("MQTT: connected", slog.String("broker", cfg.Broker), slog.String("prefix", prefix))

	sink := newMQTTSink(client, prefix, byte(cfg.QoS), logger)
	if err := sink.publishStatus(false, []string{}); err != nil {
		logger.Warn("MQTT: failed to publish online status", slog.String("err", err.Error()))
	}
	return sink, nil
}

func newMQTTSink(client mqttPublisher, prefix string, qos byte, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, qos: qos, logger: logger}
}

// LogTopic is the topic events for instance are published on.
func (m *MQTTSink) LogTopic(instance string) string {
	return m.prefix + "/instances/" + SanitizeName(instance) + "/log"
}

// StatusTopic is the retained status topic.
func (m *MQTTSink) StatusTopic() string {
	return m.prefix + "/status"
}

// Publish sends ev without waiting for the broker's acknowledgement.
func (m *MQTTSink) Publish(ev LogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	m.client.Publish(m.LogTopic(ev.Instance), m.qos, false, payload)
	return nil
}

// Consume publishes events from sub until it is closed.
func (m *MQTTSink) Consume(sub *Subscription) {
	for ev := range sub.C {
		if err := m.Publish(ev); err != nil {
			m.logger.Warn("MQTT: dropping event", slog.String("instance", ev.Instance), slog.String("err", err.Error()))
		}
	}
}

func (m *MQTTSink) Show(instances []string) error {
	return m.publishStatus(true, instances)
}

func (m *MQTTSink) Clear() error {
	return m.publishStatus(false, []string{})
}

func (m *MQTTSink) publishStatus(active bool, instances []string) error {
	m.mu.Lock()
	now := time.Now()
	switch {
	case active && m.since.IsZero():
		m.since = now
	case !active:
		m.since = time.Time{}
	}
	st := mqttStatus{
		Online:    true,
		Active:    active,
		PID:       os.Getpid(),
		Instances: instances,
		Since:     m.since,
		Updated:   now,
	}
	m.mu.Unlock()

	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.StatusTopic(), m.qos, true, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrMQTTPublish, m.StatusTopic())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMQTTPublish, m.StatusTopic(), err)
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (m *MQTTSink) Close() error {
	if m.client.IsConnected() {
		payload, _ := json.Marshal(mqttStatus{PID: os.Getpid(), Instances: []string{}, Updated: time.Now()})
		token := m.client.Publish(m.StatusTopic(), m.qos, true, payload)
		token.WaitTimeout(mqttPublishTimeout)
	}
	m.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
