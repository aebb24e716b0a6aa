package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/matryer/is"
)

func TestTopic(t *testing.T) {
	is := is.New(t)

	alert := domain.Alert{DeviceID: "wq-001", Type: domain.AlertTypeOffline, Status: domain.AlertResolved}
	is.Equal(Topic("waterquality/alerts", alert), "waterquality/alerts/wq-001/offline/resolved")
}

func TestThatAlertsArePublishedAsJSON(t *testing.T) {
	is := is.New(t)

	client := &clientMock{token: &tokenMock{done: true}}
	n := newAlertNotifier(client, "wq", 1)

	alert := domain.Alert{ID: "a1", DeviceID: "wq-001", Type: domain.AlertTypeThreshold, Status: domain.AlertActive}
	is.NoErr(n.Notify(context.Background(), alert))

	is.Equal(client.topic, "wq/wq-001/threshold/active")
	is.Equal(client.qos, byte(1))

	published := domain.Alert{}
	is.NoErr(json.Unmarshal(client.payload.([]byte), &published))
	is.Equal(published.ID, "a1")
}

func TestThatPublishFailuresAreReturned(t *testing.T) {
	is := is.New(t)

	client := &clientMock{token: &tokenMock{done: true, err: errors.New("not connected")}}
	n := newAlertNotifier(client, "wq", 0)

	err := n.Notify(context.Background(), domain.Alert{ID: "a1"})
	is.True(err != nil)

	client = &clientMock{token: &tokenMock{done: false}}
	n = newAlertNotifier(client, "wq", 0)

	err = n.Notify(context.Background(), domain.Alert{ID: "a1"})
	is.True(err != nil) // publish timed out
}

func TestThatBrokerAndClientIDAreRequired(t *testing.T) {
	is := is.New(t)

	_, err := NewAlertNotifier(context.Background(), Options{ClientID: "svc"})
	is.True(err != nil)

	_, err = NewAlertNotifier(context.Background(), Options{BrokerURL: "tcp://localhost:1883"})
	is.True(err != nil)
}

type clientMock struct {
	mqtt.Client

	token   *tokenMock
	topic   string
	qos     byte
	payload any
}

func (c *clientMock) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.topic = topic
	c.qos = qos
	c.payload = payload
	return c.token
}

type tokenMock struct {
	mqtt.Token

	done bool
	err  error
}

func (t *tokenMock) Wait() bool {
	return t.done
}

func (t *tokenMock) WaitTimeout(time.Duration) bool {
	return t.done
}

func (t *tokenMock) Error() error {
	return t.err
}
