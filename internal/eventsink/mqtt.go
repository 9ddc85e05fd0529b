package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fgsvc/internal/eventbus"
	logx "fgsvc/pkg/logx"
)

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // default "fgsvc"
	QoS      byte
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes events to <topic>/<type> and keeps a retained
// <topic>/state document with the latest running count.
type MQTT struct {
	client mqttClient
	topic  string
	qos    byte
}

func NewMQTT(o MQTTOptions, log logx.Logger) (*MQTT, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	topic := strings.TrimSuffix(firstNonEmpty(o.Topic, "fgsvc"), "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(firstNonEmpty(o.ClientID, "fgsvcd"))
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(topic+"/availability", "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("mqtt connected", logx.String("broker", o.Broker))
		c.Publish(topic+"/availability", 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	})

	c := mqtt.NewClient(opts)
	// With ConnectRetry the token completes only once connected; do not block boot on it.
	c.Connect()
	return newMQTT(c, topic, o.QoS), nil
}

func newMQTT(c mqttClient, topic string, qos byte) *MQTT {
	return &MQTT{client: c, topic: topic, qos: qos}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Publish(ctx context.Context, e eventbus.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := m.wait(ctx, m.client.Publish(m.topic+"/"+strings.ReplaceAll(e.Type, ".", "/"), m.qos, false, b)); err != nil {
		return err
	}
	if sc, ok := e.Data.(eventbus.StateChanged); ok {
		state, _ := json.Marshal(map[string]any{"running": sc.Running, "updated_at": e.Time})
		return m.wait(ctx, m.client.Publish(m.topic+"/state", m.qos, true, state))
	}
	return nil
}

func (m *MQTT) wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return errors.New("mqtt publish timeout")
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
