package broker

import (
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type Config struct {
	URL      string
	ClientID string
	Username string
	Password string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTT publishes messages to an MQTT broker. Reconnection after a
// transport drop is delegated to the paho client; publishes issued while
// disconnected fail and are reported to the caller.
type MQTT struct {
	conf   *Config
	client mqtt.Client
}

func NewMQTT(conf *Config) (*MQTT, error) {
	if conf.URL == "" {
		return nil, errors.New("must provide a broker url")
	}
	if conf.ConnectTimeout == 0 {
		conf.ConnectTimeout = time.Second * 30
	}
	if conf.PublishTimeout == 0 {
		conf.PublishTimeout = time.Second * 10
	}
	opts := mqtt.NewClientOptions().
		AddBroker(conf.URL).
		SetClientID(conf.ClientID).
		SetUsername(conf.Username).
		SetPassword(conf.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	opts.OnConnect = func(_ mqtt.Client) {
		zap.L().Info("connected to broker",
			zap.String("url", conf.URL),
			zap.String("clientId", conf.ClientID),
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		zap.L().Warn("lost connection to broker",
			zap.String("url", conf.URL),
			zap.Error(err),
		)
	}
	return &MQTT{
		conf:   conf,
		client: mqtt.NewClient(opts),
	}, nil
}

// Connect establishes the initial broker connection. A failure here is
// fatal to startup: the process must not claim readiness without a
// broker to drain into.
func (m *MQTT) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(m.conf.ConnectTimeout) {
		return errors.New("timed out connecting to broker")
	}
	return token.Error()
}

func (m *MQTT) Publish(topic string, payload []byte) (bool, error) {
	token := m.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(m.conf.PublishTimeout) {
		return false, errors.New("timed out publishing message")
	}
	err := token.Error()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MQTT) Disconnect() {
	m.client.Disconnect(250)
}
