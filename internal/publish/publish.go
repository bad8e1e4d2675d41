// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package publish mirrors value updates to MQTT and turns MQTT commands
// into bus reads and writes.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

// Bus executes commands received over MQTT
type Bus interface {
	Read(ctx context.Context, keys []string, confirm bool) error
	Write(ctx context.Context, values []session.KeyValue, verify bool) error
}

// Options configures the broker connection
type Options struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	Retain      bool
}

// Publisher owns the MQTT client
type Publisher struct {
	client mqtt.Client
	opts   Options
	bus    Bus
	logger *zap.Logger
	ctx    context.Context
}

// New creates a publisher. Nothing is sent until Start.
func New(opts Options, bus Bus, logger *zap.Logger) *Publisher {
	if opts.ClientID == "" {
		opts.ClientID = "ehs-sentinel-" + uuid.NewString()[:8]
	}
	p := newPublisher(nil, opts, bus, logger)

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetOnConnectHandler(p.onConnect)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	p.client = mqtt.NewClient(co)
	return p
}

func newPublisher(client mqtt.Client, opts Options, bus Bus, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.TopicPrefix = strings.TrimSuffix(opts.TopicPrefix, "/")
	return &Publisher{
		client: client,
		opts:   opts,
		bus:    bus,
		logger: logger.Named("mqtt"),
		ctx:    context.Background(),
	}
}

// Start connects to the broker. Commands received later run under ctx.
func (p *Publisher) Start(ctx context.Context) error {
	p.ctx = ctx
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", zap.String("broker", p.opts.Broker))
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.opts.Broker, err)
	}
	return nil
}

// Stop disconnects from the broker
func (p *Publisher) Stop() {
	p.client.Disconnect(250)
}

func (p *Publisher) onConnect(c mqtt.Client) {
	p.logger.Info("connected to mqtt broker", zap.String("broker", p.opts.Broker))
	c.Subscribe(p.opts.TopicPrefix+"/+/set", p.opts.QoS, p.handleSet)
	c.Subscribe(p.opts.TopicPrefix+"/read", p.opts.QoS, p.handleRead)
}

// ValueTopic returns the state topic of key
func (p *Publisher) ValueTopic(key string) string {
	return p.opts.TopicPrefix + "/" + key
}

// Handle publishes one update. It never waits for the broker.
func (p *Publisher) Handle(u metrics.Update) {
	if !p.client.IsConnectionOpen() {
		return
	}
	p.client.Publish(p.ValueTopic(u.Key), p.opts.QoS, p.opts.Retain, u.Value.String())
}

// KeyFromSetTopic extracts KEY from "<prefix>/KEY/set"
func KeyFromSetTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, "/set")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// ParseKeyList splits a comma separated key list
func ParseKeyList(payload string) []string {
	var keys []string
	for _, k := range strings.Split(payload, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (p *Publisher) handleSet(_ mqtt.Client, msg mqtt.Message) {
	key, ok := KeyFromSetTopic(p.opts.TopicPrefix, msg.Topic())
	if !ok {
		p.logger.Warn("ignoring malformed set topic", zap.String("topic", msg.Topic()))
		return
	}
	value := strings.TrimSpace(string(msg.Payload()))
	p.logger.Info("write requested", zap.String("key", key), zap.String("value", value))

	// paho delivers messages in order on one goroutine, so commands run aside
	go func() {
		err := p.bus.Write(p.ctx, []session.KeyValue{{Key: key, Value: value}}, true)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("write failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (p *Publisher) handleRead(_ mqtt.Client, msg mqtt.Message) {
	keys := ParseKeyList(string(msg.Payload()))
	if len(keys) == 0 {
		return
	}
	p.logger.Info("read requested", zap.Strings("keys", keys))

	go func() {
		err := p.bus.Read(p.ctx, keys, true)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("read failed", zap.Strings("keys", keys), zap.Error(err))
		}
	}()
}
