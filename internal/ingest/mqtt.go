package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

type MQTTTransport struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
}

func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTTTransport {
	return &MQTTTransport{cfg: cfg, logger: logger}
}

func (t *MQTTTransport) Name() string { return "mqtt" }

func (t *MQTTTransport) Connect(ctx context.Context, h Handler) (Conn, error) {
	client := mqtt.NewClient(mqttOptions(t.cfg, h))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	if token := client.Subscribe(t.cfg.Topic, t.cfg.QoS, mqttMessageHandler(h)); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", t.cfg.Topic, token.Error())
	}
	if t.logger != nil {
		t.logger.Info("mqtt stream open", "broker", t.cfg.Broker, "topic", t.cfg.Topic)
	}
	h.open()

	release := func() {
		client.Unsubscribe(t.cfg.Topic).Wait()
		client.Disconnect(250)
	}
	stop := context.AfterFunc(ctx, release)
	return newCloser(func() error {
		if stop() {
			release()
		}
		return nil
	}), nil
}

// mqttOptions disables auto reconnect: a clean session would come back
// without the subscription, and a lost connection ends the stream.
func mqttOptions(cfg config.MQTTConfig, h Handler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.fail(fmt.Errorf("mqtt connection lost: %w", err))
	})
	return opts
}

func mqttMessageHandler(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h.event(topicKind(msg.Topic()), DecodePayload(msg.Payload()))
	}
}

// topicKind lets producers route the snapshot to a ".../initial_reading" subtopic.
func topicKind(topic string) model.EventKind {
	if strings.HasSuffix(topic, "/"+string(model.EventInitialReading)) {
		return model.EventInitialReading
	}
	return model.EventNewReading
}

var _ Transport = (*MQTTTransport)(nil)
