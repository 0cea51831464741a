package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"hxhost/config"
	"hxhost/output"
)

const (
	DefaultClientIDPrefix = "hx711-host-"
	disconnectQuiesceMS   = 250
)

var ErrNotConnected = errors.New("mqtt client not connected")

// publisher is the part of mqtt.Client the output needs
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTOutput struct {
	client publisher
	topic  string
	qos    byte
	retain bool
}

type payload struct {
	Channel   string  `json:"channel"`
	Value     int32   `json:"value"`
	PrintTime float64 `json:"print_time"`
	Timestamp string  `json:"timestamp"`
}

// NewMQTT connects to the broker in cfg
func NewMQTT(cfg config.MQTT) (output.Output, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(ClientID(cfg))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newOutput(client, cfg), nil
}

func newOutput(client publisher, cfg config.MQTT) *MQTTOutput {
	topic := cfg.Topic
	if topic == "" {
		topic = config.DefaultMQTTTopic
	}
	return &MQTTOutput{client: client, topic: topic, qos: cfg.QoS, retain: cfg.Retain}
}

// ClientID returns the configured client id or a random one
func ClientID(cfg config.MQTT) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return DefaultClientIDPrefix + uuid.NewString()[:8]
}

// Topic returns the topic samples of channel are published to
func (m *MQTTOutput) Topic(channel string) string {
	if strings.Contains(m.topic, "%s") {
		return fmt.Sprintf(m.topic, channel)
	}
	return m.topic
}

func (m *MQTTOutput) Publish(samples []output.Sample) error {
	if m.client == nil {
		return ErrNotConnected
	}
	for _, s := range samples {
		b, err := json.Marshal(payload{
			Channel:   s.Channel,
			Value:     s.Value,
			PrintTime: s.PrintTime,
			Timestamp: s.Timestamp.Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		token := m.client.Publish(m.Topic(s.Channel), m.qos, m.retain, b)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("mqtt publish %s: %w", s.Channel, token.Error())
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesceMS)
		m.client = nil
	}
	return nil
}
