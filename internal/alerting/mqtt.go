package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT channel.
type MQTTConfig struct {
	Name     string
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the publish topic. A trailing "/" appends the device id.
	Topic  string
	QoS    byte
	Retain bool
}

// MQTTChannel publishes notifications to an MQTT broker.
type MQTTChannel struct {
	config MQTTConfig

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTChannel creates the channel. The broker connection is opened on first send.
func NewMQTTChannel(config MQTTConfig) (*MQTTChannel, error) {
	if config.Broker == "" || config.Topic == "" {
		return nil, fmt.Errorf("%w: mqtt requires broker and topic", ErrChannelNotConfigured)
	}
	if config.Name == "" {
		config.Name = "mqtt"
	}
	if config.ClientID == "" {
		config.ClientID = "rmm-automation"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	return newMQTTChannel(config, mqtt.NewClient(opts)), nil
}

func newMQTTChannel(config MQTTConfig, client mqtt.Client) *MQTTChannel {
	return &MQTTChannel{config: config, client: client}
}

func (c *MQTTChannel) Name() string { return c.config.Name }

// Send implements NotificationChannel.Send
func (c *MQTTChannel) Send(ctx context.Context, n Notification) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	token := c.client.Publish(c.topic(n), c.config.QoS, c.config.Retain, payload)
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *MQTTChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func (c *MQTTChannel) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

func (c *MQTTChannel) topic(n Notification) string {
	if strings.HasSuffix(c.config.Topic, "/") && n.Alert != nil {
		return c.config.Topic + n.Alert.DeviceID
	}
	return strings.TrimSuffix(c.config.Topic, "/")
}

func wait(ctx context.Context, token mqtt.Token) error {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("timed out waiting for broker")
	}
	return token.Error()
}
