// Package events forwards detected pose events to an MQTT broker.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"posestream-go/internal/types"
)

const publishWait = 2 * time.Second

// Event is the JSON body published for one pose update.
type Event struct {
	Event       string  `json:"event"`
	CaptureTime string  `json:"capture_time"`
	RMSE        float64 `json:"rmse"`
}

// publisher is the part of mqtt.Client the notifier needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes every pose update that carries an event label.
// Notify never waits on the broker.
type MQTTNotifier struct {
	client mqtt.Client
	pub    publisher
	topic  string
	qos    byte
	logger zerolog.Logger

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
	pending   sync.WaitGroup
}

type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Dial connects to broker (host:port or a full URL) and returns a notifier
// publishing on topic. The client reconnects on its own after a lost
// connection.
func Dial(broker, topic string, logger zerolog.Logger) (*MQTTNotifier, error) {
	if topic == "" {
		return nil, errors.New("events: topic is required")
	}
	n := &MQTTNotifier{topic: topic, qos: 1, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID("pose-viewer-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		n.connected.Store(true)
		logger.Info().Str("broker", broker).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		n.connected.Store(false)
		logger.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("events: mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("events: mqtt connect to %s: %w", broker, err)
	}
	n.connected.Store(true)
	n.client = client
	n.pub = client
	return n, nil
}

func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://"} {
		if len(broker) >= len(scheme) && broker[:len(scheme)] == scheme {
			return broker
		}
	}
	return "tcp://" + broker
}

// Notify publishes update without blocking. Updates without an event label
// are ignored.
func (n *MQTTNotifier) Notify(update types.PoseUpdate) {
	if !update.HasEvent() {
		return
	}
	payload, err := json.Marshal(Event{
		Event:       update.EventName,
		CaptureTime: update.CaptureTime,
		RMSE:        update.RMSE,
	})
	if err != nil {
		n.errors.Add(1)
		return
	}
	token := n.pub.Publish(n.topic, n.qos, false, payload)
	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		if !token.WaitTimeout(publishWait) {
			n.errors.Add(1)
			n.logger.Warn().Str("topic", n.topic).Str("event", update.EventName).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			n.errors.Add(1)
			n.logger.Warn().Err(err).Str("topic", n.topic).Msg("mqtt publish failed")
			return
		}
		n.published.Add(1)
		n.logger.Debug().Str("topic", n.topic).Str("event", update.EventName).Str("capture_time", update.CaptureTime).Msg("event published")
	}()
}

func (n *MQTTNotifier) Stats() Stats {
	connected := n.connected.Load()
	if n.client != nil {
		connected = connected && n.client.IsConnected()
	}
	return Stats{
		Connected: connected,
		Published: n.published.Load(),
		Errors:    n.errors.Load(),
	}
}

// Close waits for outstanding publishes and disconnects.
func (n *MQTTNotifier) Close() {
	n.pending.Wait()
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
	}
	n.connected.Store(false)
}
