package ingest

import (
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

type brokerRecorder struct {
	mu     sync.Mutex
	events []model.StreamEvent
	errs   []error
	opens  int
}

func (r *brokerRecorder) handler() Handler {
	return Handler{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnEvent: func(ev model.StreamEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func TestKafkaKind(t *testing.T) {
	kind, ok := kafkaKind(kafka.Message{})
	require.True(t, ok)
	assert.Equal(t, model.EventNewReading, kind)

	kind, ok = kafkaKind(kafka.Message{Headers: []kafka.Header{
		{Key: "trace", Value: []byte("abc")},
		{Key: eventHeader, Value: []byte("initial_reading")},
	}})
	require.True(t, ok)
	assert.Equal(t, model.EventInitialReading, kind)

	_, ok = kafkaKind(kafka.Message{Headers: []kafka.Header{{Key: eventHeader, Value: []byte("heartbeat")}}})
	assert.False(t, ok)
}

func TestNATSOptionsDoNotReconnect(t *testing.T) {
	rec := &brokerRecorder{}
	opts := nats.GetDefaultOptions()
	for _, opt := range natsOptions(rec.handler()) {
		require.NoError(t, opt(&opts))
	}
	assert.False(t, opts.AllowReconnect)
	assert.Equal(t, "hrwatch", opts.Name)

	require.NotNil(t, opts.DisconnectedErrCB)
	opts.DisconnectedErrCB(nil, nil)
	assert.Empty(t, rec.errs, "a clean drain is not an error")
	opts.DisconnectedErrCB(nil, errors.New("broken pipe"))
	require.Len(t, rec.errs, 1)
	assert.Contains(t, rec.errs[0].Error(), "broken pipe")
}

func TestNATSMessageHandler(t *testing.T) {
	rec := &brokerRecorder{}
	handle := natsMessageHandler(rec.handler())

	handle(&nats.Msg{Data: []byte(`{"bpm":70}`)})
	snapshot := nats.NewMsg("hr.readings")
	snapshot.Header.Set(eventHeader, "initial_reading")
	snapshot.Data = []byte(`{"bpm":71}`)
	handle(snapshot)
	ignored := nats.NewMsg("hr.readings")
	ignored.Header.Set(eventHeader, "heartbeat")
	handle(ignored)

	require.Len(t, rec.events, 2)
	assert.Equal(t, model.EventNewReading, rec.events[0].Kind)
	assert.Equal(t, map[string]any{"bpm": 70.0}, rec.events[0].Payload)
	assert.Equal(t, model.EventInitialReading, rec.events[1].Kind)
}

type mqttMsg struct {
	topic   string
	payload []byte
}

func (m mqttMsg) Duplicate() bool   { return false }
func (m mqttMsg) Qos() byte         { return 1 }
func (m mqttMsg) Retained() bool    { return false }
func (m mqttMsg) Topic() string     { return m.topic }
func (m mqttMsg) MessageID() uint16 { return 1 }
func (m mqttMsg) Payload() []byte   { return m.payload }
func (m mqttMsg) Ack()              {}

func TestMQTTOptionsDoNotReconnect(t *testing.T) {
	rec := &brokerRecorder{}
	cfg := config.MQTTConfig{Broker: "tcp://127.0.0.1:1883", ClientID: "hrwatch-test", Username: "u", Topic: "hr/readings"}
	opts := mqttOptions(cfg, rec.handler())

	assert.False(t, opts.AutoReconnect)
	assert.False(t, opts.ConnectRetry)
	assert.Equal(t, "hrwatch-test", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)

	require.NotNil(t, opts.OnConnectionLost)
	opts.OnConnectionLost(nil, errors.New("keepalive timeout"))
	require.Len(t, rec.errs, 1)
	assert.Contains(t, rec.errs[0].Error(), "mqtt connection lost")
}

func TestMQTTMessageHandler(t *testing.T) {
	rec := &brokerRecorder{}
	handle := mqttMessageHandler(rec.handler())

	handle(nil, mqttMsg{topic: "hr/readings", payload: []byte(`{"bpm":64}`)})
	handle(nil, mqttMsg{topic: "hr/readings/initial_reading", payload: []byte(`"{\"bpm\":60}"`)})

	require.Len(t, rec.events, 2)
	assert.Equal(t, model.EventNewReading, rec.events[0].Kind)
	assert.Equal(t, model.EventInitialReading, rec.events[1].Kind)
	assert.Equal(t, `{"bpm":60}`, rec.events[1].Payload)
}
