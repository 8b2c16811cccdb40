package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
)

// mqttClient is the part of mqtt.Client used by MQTTPublisher.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// alertPayload is the wire form of an alert on MQTT.
type alertPayload struct {
	Topic   string    `json:"topic"   msgpack:"topic"`
	Subject string    `json:"subject" msgpack:"subject"`
	Body    string    `json:"body"    msgpack:"body"`
	Time    time.Time `json:"time"    msgpack:"time"`
}

// MQTTPublisher publishes alerts to <topic prefix>/<event topic>.
type MQTTPublisher struct {
	// client is the broker connection.
	client mqttClient
	// prefix is the configured topic prefix.
	prefix string
	// qos is the publish quality of service.
	qos byte
	// format is json or msgpack.
	format string
	// timeout bounds one publish.
	timeout time.Duration
}

// disconnectQuiesce is how long Close lets in-flight work finish, in milliseconds.
const disconnectQuiesce = 250

var (
	errMQTTNotConnected   = errors.New("mqtt not connected")
	errMQTTPublishTimeout = errors.New("mqtt publish timeout")
)

// NewMQTTPublisher connects to the broker. A broker that is down at boot is not
// fatal: the client keeps retrying in the background and publishes fail until it connects.
func NewMQTTPublisher(ctx context.Context, cfg config.MQTT) *MQTTPublisher {
	options := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.WarnKV(ctx, "MQTT connection lost, reconnecting", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.InfoKV(ctx, "MQTT connection established", "broker", cfg.Broker)
		})

	client := mqtt.NewClient(options)

	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		logger.WarnKV(ctx, "MQTT broker not reachable yet, retrying in background", "broker", cfg.Broker)
	} else if err := token.Error(); err != nil {
		logger.WarnKV(ctx, "MQTT connect failed", "broker", cfg.Broker, "error", err)
	}

	return newMQTTPublisher(client, cfg)
}

func newMQTTPublisher(client mqttClient, cfg config.MQTT) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		prefix:  cfg.Topic,
		qos:     cfg.QoS,
		format:  cfg.PayloadFormat,
		timeout: cfg.Timeout,
	}
}

// Notify publishes event and waits for the broker acknowledgement.
func (p *MQTTPublisher) Notify(ctx context.Context, event Event) error {
	if !p.client.IsConnectionOpen() {
		return errMQTTNotConnected
	}

	payload, err := encodeAlert(p.format, event)
	if err != nil {
		return err
	}

	topic := path.Join(p.prefix, event.Topic)
	token := p.client.Publish(topic, p.qos, false, payload)

	select {
	case <-token.Done():
	case <-time.After(p.timeout):
		return errMQTTPublishTimeout
	case <-ctx.Done():
		return fmt.Errorf("publish alert: %w", ctx.Err())
	}

	if err = token.Error(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	logger.DebugKV(ctx, "Alert published", "topic", topic, "size", len(payload))

	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectQuiesce)
}

// encodeAlert serialises an event in the configured payload format.
func encodeAlert(format string, event Event) ([]byte, error) {
	payload := alertPayload{
		Topic:   event.Topic,
		Subject: event.Subject,
		Body:    event.Body,
		Time:    event.Time.UTC(),
	}

	var (
		data []byte
		err  error
	)

	if format == config.PayloadMsgpack {
		data, err = msgpack.Marshal(&payload)
	} else {
		data, err = json.Marshal(&payload)
	}

	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}

	return data, nil
}
