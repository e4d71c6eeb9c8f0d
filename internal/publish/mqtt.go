// Package publish mirrors flushed points to an MQTT broker.
package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// Config holds the broker settings.
type Config struct {
	Broker      string // tcp://host:1883 or ssl://host:8883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retained    bool
	SSLVerify   bool
}

// Message is the JSON payload of one point.
type Message struct {
	Account     string    `json:"account"`
	Device      string    `json:"device"`
	Channel     string    `json:"channel"`
	Station     string    `json:"station,omitempty"`
	Granularity string    `json:"granularity"`
	Watts       float64   `json:"watts"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher publishes points to <prefix>/<account>/<channel>.
type Publisher struct {
	client  mqtt.Client
	cfg     Config
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewPublisher connects to the broker.
func NewPublisher(cfg Config, logger logrus.FieldLogger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("MQTT broker address cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("vuecollect-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.SSLVerify, //nolint:gosec // opt-in via ssl_verify: false
		})
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	logger.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")

	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client mqtt.Client, cfg Config, logger logrus.FieldLogger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "vuecollect"
	}
	return &Publisher{
		client:  client,
		cfg:     cfg,
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

// Publish sends one message per point. It returns the first failure but
// keeps publishing the remaining points.
func (p *Publisher) Publish(ctx context.Context, points []models.MeasurementPoint) error {
	var firstErr error
	for _, pt := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.publish(ctx, pt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Publisher) publish(ctx context.Context, pt models.MeasurementPoint) error {
	payload, err := json.Marshal(Message{
		Account:     pt.AccountName,
		Device:      pt.DeviceName,
		Channel:     pt.ChannelName,
		Station:     pt.Station,
		Granularity: pt.Granularity.String(),
		Watts:       pt.Watts,
		Timestamp:   pt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to encode point: %w", err)
	}

	topic := Topic(p.cfg.TopicPrefix, pt.AccountName, pt.ChannelName)
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiesce)
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

// Topic builds the topic of a point. Wildcard and separator characters in
// account and channel names are replaced by underscores.
func Topic(prefix, account, channel string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + topicEscaper.Replace(account) + "/" + topicEscaper.Replace(channel)
}
