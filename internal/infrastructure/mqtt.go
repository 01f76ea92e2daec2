package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/fleet/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MeasurementHandler processes a measurement batch published by a device.
// The device identifier is taken from the topic.
type MeasurementHandler func(ctx context.Context, deviceID string, payload []byte) error

// MQTTSubscriber ingests device measurement batches from the broker.
// Devices publish to fleet/{deviceID}/measurements.
type MQTTSubscriber struct {
	config  config.MQTTConfig
	client  mqtt.Client
	logger  *logrus.Logger
	handler MeasurementHandler
}

// NewMQTTSubscriber creates a subscriber for the configured broker.
func NewMQTTSubscriber(cfg config.MQTTConfig, handler MeasurementHandler, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fleet-engine-%d", time.Now().UnixNano())
	}

	return &MQTTSubscriber{
		config:  cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start connects to the broker and subscribes to the measurement topic.
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)
	opts.SetAutoReconnect(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		s.logger.WithField("broker", s.config.BrokerURL).Info("Connected to MQTT broker")
		s.subscribe()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		s.logger.WithError(err).Warn("MQTT connection lost")
	})

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker")
	}
	return token.Error()
}

func (s *MQTTSubscriber) subscribe() {
	topic := s.config.MeasurementTopic
	if topic == "" {
		topic = "fleet/+/measurements"
	}

	token := s.client.Subscribe(topic, s.config.QoS, func(client mqtt.Client, msg mqtt.Message) {
		deviceID := deviceIDFromTopic(msg.Topic())
		if deviceID == "" {
			s.logger.WithField("topic", msg.Topic()).Warn("Ignoring message with unparseable topic")
			return
		}

		if err := s.handler(context.Background(), deviceID, msg.Payload()); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"device_id": deviceID,
				"topic":     msg.Topic(),
			}).Error("Failed to process measurement batch")
		}
	})
	token.Wait()
	if token.Error() != nil {
		s.logger.WithError(token.Error()).WithField("topic", topic).Error("MQTT subscription failed")
	}
}

// deviceIDFromTopic extracts the device segment of fleet/{id}/measurements.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "fleet" || parts[2] != "measurements" {
		return ""
	}
	return parts[1]
}

// Stop disconnects from the broker.
func (s *MQTTSubscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
