// Package subscriber receives detection results published on an MQTT topic.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/config"
	"rtsp-face-overlay/internal/detection"
)

// Submitter accepts a decoded detection.
type Submitter interface {
	SubmitDetection(ctx context.Context, r detection.Result) error
}

// Stats counts handled messages.
type Stats struct {
	Received  uint64 `json:"received"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Connected bool   `json:"connected"`
}

// Subscriber forwards detections from the broker to a Submitter.
type Subscriber struct {
	cfg    config.MQTTConfig
	sink   Submitter
	client mqtt.Client
	log    zerolog.Logger

	received  atomic.Uint64
	submitted atomic.Uint64
	rejected  atomic.Uint64
	connected atomic.Bool
}

// New creates a subscriber. Start connects it.
func New(cfg config.MQTTConfig, sink Submitter, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		cfg:  cfg,
		sink: sink,
		log:  log.With().Str("component", "mqtt").Str("broker", cfg.Broker).Str("topic", cfg.Topic).Logger(),
	}
}

// Start connects to the broker and subscribes to the detection topic. The
// subscription is renewed on every reconnect.
func (s *Subscriber) Start(ctx context.Context) error {
	broker := s.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.connected.Store(true)
		s.log.Info().Msg("mqtt connection established")

		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.handle(ctx, msg)
		})
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.log.Error().Err(token.Error()).Msg("mqtt subscription failed")
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.connected.Store(false)
		s.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}

	s.client = mqtt.NewClient(opts)
	s.log.Info().Msg("connecting to mqtt broker")

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
	s.connected.Store(false)
	s.log.Info().Msg("mqtt subscriber stopped")
}

// Stats returns the message counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Submitted: s.submitted.Load(),
		Rejected:  s.rejected.Load(),
		Connected: s.connected.Load(),
	}
}

func (s *Subscriber) handle(ctx context.Context, msg mqtt.Message) {
	s.received.Add(1)

	var p detection.Payload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		s.rejected.Add(1)
		s.log.Warn().Err(err).Uint16("message_id", msg.MessageID()).Msg("failed to parse detection")
		return
	}

	r, err := p.Result()
	if err != nil {
		s.rejected.Add(1)
		s.log.Warn().Err(err).Str("camera_id", p.CameraID).Msg("invalid detection")
		return
	}

	if err := s.sink.SubmitDetection(ctx, r); err != nil {
		s.rejected.Add(1)
		s.log.Warn().Err(err).Str("camera_id", p.CameraID).Str("message_id", r.MessageID).Msg("detection not accepted")
		return
	}
	s.submitted.Add(1)
}
