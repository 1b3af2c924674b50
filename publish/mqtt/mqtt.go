// Package mqtt publishes inventory snapshots to an MQTT broker
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/korylprince/ios-app-inventory/publish"
	"github.com/sirupsen/logrus"
)

// DefaultPrefix is the topic prefix used when Options.Prefix is empty
const DefaultPrefix = "appinventory"

// Options configures Connect
type Options struct {
	// Broker is the broker URL, e.g. tcp://mqtt.example.com:1883
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is prepended to every topic. Defaults to DefaultPrefix
	Prefix string
	QoS    byte

	// Timeout bounds connecting and each publish. Defaults to 5 seconds
	Timeout time.Duration
}

// Publisher implements publish.Publisher with MQTT. Snapshots are published retained to <prefix>/<udid>/apps,
// change events to <prefix>/<udid>/changes
type Publisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	log     logrus.FieldLogger
}

// Connect connects to the broker and returns a new Publisher. The client reconnects automatically if the connection is lost
func Connect(opts Options, log logrus.FieldLogger) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("could not connect to broker: empty broker URL")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	log = logger.OrDiscard(log).WithField("broker", opts.Broker)

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker)
	if opts.ClientID != "" {
		o.SetClientID(opts.ClientID)
	}
	if opts.Username != "" {
		o.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		o.SetPassword(opts.Password)
	}
	o.SetConnectTimeout(opts.Timeout)
	o.SetWriteTimeout(opts.Timeout)
	o.SetAutoReconnect(true)
	o.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("connected to MQTT broker")
	})
	o.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost; will retry")
	})

	client := mqtt.NewClient(o)
	tok := client.Connect()
	if !tok.WaitTimeout(opts.Timeout) {
		client.Disconnect(0)
		return nil, errors.New("could not connect to broker: timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("could not connect to broker: %w", err)
	}

	return New(client, opts.Prefix, opts.QoS, opts.Timeout, log), nil
}

// New returns a new Publisher using an existing client
func New(client mqtt.Client, prefix string, qos byte, timeout time.Duration, log logrus.FieldLogger) *Publisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, prefix: prefix, qos: qos, timeout: timeout, log: logger.OrDiscard(log)}
}

// Topic returns the topic for kind ("apps" or "changes") of the device with udid
func (p *Publisher) Topic(udid, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, udid, kind)
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode payload: %w", err)
	}

	p.log.WithField("topic", topic).Debug("publishing")

	tok := p.client.Publish(topic, p.qos, retained, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
	case <-timer.C:
		return fmt.Errorf("could not publish to %s: timed out", topic)
	case <-ctx.Done():
		return fmt.Errorf("could not publish to %s: %w", topic, ctx.Err())
	}

	if err = tok.Error(); err != nil {
		return fmt.Errorf("could not publish to %s: %w", topic, err)
	}
	return nil
}

// PublishSnapshot implements publish.Publisher
func (p *Publisher) PublishSnapshot(ctx context.Context, s *publish.Snapshot) error {
	return p.publish(ctx, p.Topic(s.UDID, "apps"), true, s)
}

// PublishEvent implements publish.Publisher
func (p *Publisher) PublishEvent(ctx context.Context, e *publish.Event) error {
	return p.publish(ctx, p.Topic(e.UDID, "changes"), false, e)
}

// Close disconnects from the broker, waiting up to 250ms for in-flight messages
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
