// Package telemetry mirrors the update status to an MQTT broker, so a fleet
// dashboard can follow updates without a BLE connection.
package telemetry

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// Message is the retained JSON document published per status.
type Message struct {
	State     string `json:"state"`
	StateCode uint8  `json:"state_code"`
	Progress  uint8  `json:"progress"`
}

// NewMessage converts a status record.
func NewMessage(status protocol.Status) Message {
	return Message{
		State:     ota.State(status.State).String(),
		StateCode: status.State,
		Progress:  status.Progress,
	}
}

// Options configures the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Mirror publishes statuses to one topic.
type Mirror struct {
	client  publisher
	close   func()
	topic   string
	qos     byte
	timeout time.Duration
	log     logrus.FieldLogger
}

// Dial connects to the broker in opts.
func Dial(opts Options, log logrus.FieldLogger) (*Mirror, error) {
	if log == nil {
		log = logging.Discard()
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		log.WithField("broker", opts.Broker).Info("mqtt connected")
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("timeout connecting to %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to %s", opts.Broker)
	}

	m := New(client, opts.Topic, opts.QoS, log)
	m.close = func() {
		client.Disconnect(250)
	}
	return m, nil
}

// New returns a Mirror on an existing client.
func New(client publisher, topic string, qos byte, log logrus.FieldLogger) *Mirror {
	if log == nil {
		log = logging.Discard()
	}
	return &Mirror{
		client:  client,
		topic:   topic,
		qos:     qos,
		timeout: publishTimeout,
		log:     log,
	}
}

// PublishStatus publishes status as a retained message.
func (m *Mirror) PublishStatus(status protocol.Status) error {
	payload, err := json.Marshal(NewMessage(status))
	if err != nil {
		return errors.Wrap(err, "encode status")
	}

	token := m.client.Publish(m.topic, m.qos, true, payload)
	if !token.WaitTimeout(m.timeout) {
		return errors.Errorf("timeout publishing to %s", m.topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publish to %s", m.topic)
	}
	return nil
}

// Close disconnects a dialed Mirror.
func (m *Mirror) Close() {
	if m.close != nil {
		m.close()
	}
}
