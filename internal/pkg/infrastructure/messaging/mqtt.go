package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// AlertNotifier publishes alert lifecycle changes to an MQTT broker on
// <prefix>/<deviceId>/<type>/<status>.
type AlertNotifier struct {
	client mqtt.Client
	prefix string
	qos    byte
}

func NewAlertNotifier(ctx context.Context, opts Options) (*AlertNotifier, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("broker URL is required")
	}

	if opts.ClientID == "" {
		return nil, errors.New("client ID is required")
	}

	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "waterquality/alerts"
	}

	logger := logging.GetFromContext(ctx).With().Str("broker", opts.BrokerURL).Logger()

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}

	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectTimeout(5 * time.Second)
	clientOpts.SetConnectRetryInterval(5 * time.Second)
	clientOpts.SetMaxReconnectInterval(15 * time.Second)
	clientOpts.SetKeepAlive(30 * time.Second)

	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Msg("connected to mqtt broker")
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("lost connection to mqtt broker")
	})

	client := mqtt.NewClient(clientOpts)

	// with connect retry enabled the token completes only once connected
	if token := client.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}

	return newAlertNotifier(client, opts.TopicPrefix, opts.QoS), nil
}

func newAlertNotifier(client mqtt.Client, prefix string, qos byte) *AlertNotifier {
	return &AlertNotifier{client: client, prefix: prefix, qos: qos}
}

func (n *AlertNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}

	topic := Topic(n.prefix, alert)

	token := n.client.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	logger := logging.GetFromContext(ctx)
	logger.Debug().Str("topic", topic).Str("alert_id", alert.ID).Msg("alert published")

	return nil
}

func (n *AlertNotifier) Close() {
	n.client.Disconnect(250)
}

func Topic(prefix string, alert domain.Alert) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, alert.DeviceID, alert.Type, alert.Status)
}
