// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ffutop/bess-simulator/internal/device"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = time.Second
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Config controls the MQTT connection.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Publisher sends device status as retained JSON messages, one topic per device.
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *slog.Logger
}

// Connect dials the broker and returns a publisher.
func Connect(cfg Config) (*Publisher, error) {
	logger := slog.Default().With("component", "status", "broker", cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bess-simulator"
	}
	// Several simulators may share a broker.
	clientID = clientID + "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connected")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return NewPublisher(client, cfg.Topic, cfg.QoS), nil
}

func NewPublisher(client mqtt.Client, topic string, qos byte) *Publisher {
	return &Publisher{
		client: client,
		topic:  topic,
		qos:    qos,
		logger: slog.Default().With("component", "status"),
	}
}

// Topic returns the topic for the named device.
func (p *Publisher) Topic(name string) string {
	if strings.Contains(p.topic, "%s") {
		return fmt.Sprintf(p.topic, name)
	}
	return p.topic
}

// Publish sends one status message. It gives up after a short timeout so a
// slow broker cannot stall the caller.
func (p *Publisher) Publish(ctx context.Context, s device.Status) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	token := p.client.Publish(p.Topic(s.Name), p.qos, true, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish %s: timeout", p.Topic(s.Name))
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
