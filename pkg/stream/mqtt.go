// MQTT path publisher and subscriber
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stream

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/motion"
)

// DefaultTopic carries paths on the MQTT backend.
const DefaultTopic = "drawbot/paths"

const (
	// Paths are fire-and-forget and never retained, so late subscribers
	// see nothing published before they attached.
	mqttQoS    byte = 0
	mqttRetain      = false

	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// ConnectMQTT connects to broker (host:port or a full URL) with a unique
// client id derived from role. onConnect, when set, runs after the first
// connect and after every automatic reconnect.
func ConnectMQTT(ctx context.Context, broker, role string, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	opts := mqttOptions(broker, role, onConnect)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, mqttConnectTimeout); err != nil {
		// stop a connect attempt still in flight
		client.Disconnect(0)
		return nil, drawerrors.StreamError("mqtt connect "+opts.Servers[0].String(), err)
	}
	return client, nil
}

// mqttOptions builds the client options. Sessions are clean, so the broker
// forgets subscriptions on every reconnect and onConnect must restore them.
func mqttOptions(broker, role string, onConnect mqtt.OnConnectHandler) *mqtt.ClientOptions {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	logger := log.GetLogger("stream")
	clientID := fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.WithFields(log.Fields{"broker": broker, "client_id": clientID}).Info("mqtt connected")
		if onConnect != nil {
			onConnect(c)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).WithField("broker", broker).Warn("mqtt connection lost, reconnecting")
	})
	return opts
}

// waitToken waits for token, ctx or timeout.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func topicOf(cfg Config) string {
	if cfg.Topic == "" {
		return DefaultTopic
	}
	return cfg.Topic
}

// MQTTPublisher publishes paths to a broker topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	codec  Codec
	c      *counters
	logger *log.Logger
}

// NewMQTTPublisher publishes through a connected client.
func NewMQTTPublisher(client mqtt.Client, codec Codec, cfg Config) *MQTTPublisher {
	logger := log.GetLogger("stream")
	return &MQTTPublisher{
		client: client,
		topic:  topicOf(cfg),
		codec:  codec,
		c:      newCounters(cfg.Metrics, logger),
		logger: logger,
	}
}

// Publish sends path. While the broker link is down the path is dropped.
func (p *MQTTPublisher) Publish(ctx context.Context, path motion.NormalizedPath) error {
	f := p.c.frame(path)
	if !p.client.IsConnected() {
		p.c.drop(DropNotConnected, f.Seq)
		return nil
	}
	data, err := p.codec.Encode(f)
	if err != nil {
		return drawerrors.StreamError("encode path", err)
	}
	token := p.client.Publish(p.topic, mqttQoS, mqttRetain, data)
	if err := waitToken(ctx, token, mqttPublishTimeout); err != nil {
		if ctx.Err() != nil {
			return drawerrors.CancelledError("publish", ctx.Err())
		}
		return drawerrors.StreamError("mqtt publish "+p.topic, err)
	}
	p.c.sent()
	p.logger.WithFields(log.Fields{"topic": p.topic, "seq": f.Seq, "size": len(data)}).Debug("path published")
	return nil
}

// Stats returns publish counters.
func (p *MQTTPublisher) Stats() Stats {
	return p.c.stats()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

// MQTTSubscriber receives paths from a broker topic.
type MQTTSubscriber struct {
	client mqtt.Client
	topic  string
	codec  Codec
	in     *inbox
	c      *counters
	logger *log.Logger

	attached atomic.Bool
}

func newMQTTSubscriber(codec Codec, cfg Config) *MQTTSubscriber {
	logger := log.GetLogger("stream")
	return &MQTTSubscriber{
		topic:  topicOf(cfg),
		codec:  codec,
		in:     newInbox(cfg.hwm()),
		c:      newCounters(cfg.Metrics, logger),
		logger: logger,
	}
}

// SubscribeMQTT subscribes client to the configured topic. A client made by
// ConnectMQTT should pass the subscriber's Resubscribe as its onConnect so
// the subscription survives reconnects; DialMQTT does both.
func SubscribeMQTT(client mqtt.Client, codec Codec, cfg Config) (*MQTTSubscriber, error) {
	s := newMQTTSubscriber(codec, cfg)
	if err := s.attach(client); err != nil {
		return nil, err
	}
	return s, nil
}

// DialMQTT connects to broker and subscribes, restoring the subscription
// after every reconnect.
func DialMQTT(ctx context.Context, broker string, codec Codec, cfg Config) (*MQTTSubscriber, error) {
	s := newMQTTSubscriber(codec, cfg)
	client, err := ConnectMQTT(ctx, broker, "drawbot-sub", s.Resubscribe)
	if err != nil {
		return nil, err
	}
	if err := s.attach(client); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return s, nil
}

func (s *MQTTSubscriber) attach(client mqtt.Client) error {
	s.client = client
	if err := s.subscribe(client); err != nil {
		return err
	}
	s.attached.Store(true)
	s.logger.Info("subscribed to mqtt topic %s", s.topic)
	return nil
}

func (s *MQTTSubscriber) subscribe(client mqtt.Client) error {
	token := client.Subscribe(s.topic, mqttQoS, s.handle)
	if err := waitToken(context.Background(), token, mqttConnectTimeout); err != nil {
		return drawerrors.StreamError("mqtt subscribe "+s.topic, err)
	}
	return nil
}

// Resubscribe restores the subscription after a reconnect. If the broker
// refuses, the stream ends with the error instead of going silent.
func (s *MQTTSubscriber) Resubscribe(client mqtt.Client) {
	if !s.attached.Load() {
		return
	}
	if err := s.subscribe(client); err != nil {
		s.logger.WithError(err).Error("mqtt resubscribe failed")
		s.in.fail(err)
		return
	}
	s.logger.Info("resubscribed to mqtt topic %s", s.topic)
}

func (s *MQTTSubscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	f, err := s.codec.Decode(msg.Payload())
	if err != nil {
		s.logger.WithError(err).Warn("discarding undecodable message")
		return
	}
	path, err := f.Path()
	if err != nil {
		s.logger.WithError(err).WithField("seq", f.Seq).Warn("discarding invalid path")
		return
	}
	if !s.in.offer(path) {
		s.c.drop(DropQueueFull, f.Seq)
		return
	}
	s.c.received()
}

// Receive returns the next path.
func (s *MQTTSubscriber) Receive(ctx context.Context) (motion.NormalizedPath, error) {
	return s.in.receive(ctx)
}

// Close unsubscribes and disconnects.
func (s *MQTTSubscriber) Close() error {
	if s.client.IsConnected() {
		waitToken(context.Background(), s.client.Unsubscribe(s.topic), time.Second)
	}
	s.client.Disconnect(250)
	s.in.fail(drawerrors.StreamError("subscriber closed", nil))
	return nil
}
