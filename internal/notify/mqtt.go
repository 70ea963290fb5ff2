package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
)

type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Logger    *slog.Logger
}

// MQTT publishes alert messages to <topic>/<tenantId> with QoS 1.
type MQTT struct {
	client mqtt.Client
	topic  string
	now    func() time.Time
}

func NewMQTT(o MQTTOptions) *MQTT {
	logger := logging.OrDiscard(o.Logger).With("component", "notify-mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(o.ClientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) { logger.Info("mqtt connected", "broker", o.BrokerURL) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { logger.Warn("mqtt connection lost", "error", err) }

	return &MQTT{client: mqtt.NewClient(opts), topic: o.Topic, now: time.Now}
}

// Connect retries with exponential backoff until the broker accepts the
// connection or ctx is done.
func (m *MQTT) Connect(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		token := m.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TopicFor(base, tenantID string) string {
	return base + "/" + tenantID
}

func (m *MQTT) Notify(ctx context.Context, alert model.Event) error {
	payload, err := json.Marshal(NewMessage(alert, m.now()))
	if err != nil {
		return fmt.Errorf("encode mqtt payload: %w", err)
	}
	token := m.client.Publish(TopicFor(m.topic, alert.TenantID), 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
