// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/core"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	qos             = 1
	disconnectQuiet = 250
)

var errNotConnected = errors.New("mqtt client not connected")

// Transport is an MQTT 3.1.1 session. Auto-reconnect is disabled: the bus
// adapter owns the reconnect policy and re-subscribes its curated set.
type Transport struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	client mqtt.Client
}

func New(name string, logger *slog.Logger) *Transport {
	return &Transport{name: name, logger: logger}
}

func (t *Transport) Name() string { return t.name }
func (t *Transport) Type() string { return "mqtt" }

func (t *Transport) Connect(ctx context.Context, settings core.ConnectSettings, handlers core.TransportHandlers) error {
	opts := t.options(settings, handlers)

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: %w", settings.BrokerURL, err)
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.mu.Unlock()

	if old != nil && old.IsConnected() {
		old.Disconnect(disconnectQuiet)
	}

	t.logger.Info("mqtt transport connected", "name", t.name, "broker", settings.BrokerURL)
	return nil
}

// options builds the paho client options. Message ordering stays on: paho
// then calls the publish handler from a single goroutine in arrival order,
// which status merging depends on.
func (t *Transport) options(settings core.ConnectSettings, handlers core.TransportHandlers) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(settings.BrokerURL).
		SetClientID(settings.ClientID).
		SetUsername(settings.Username).
		SetPassword(settings.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(publishHandler(handlers)).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Warn("mqtt connection lost", "name", t.name, "error", err)
			if handlers.OnConnectionLost != nil {
				handlers.OnConnectionLost(err)
			}
		})
	if settings.ConnectTimeout > 0 {
		opts.SetConnectTimeout(settings.ConnectTimeout)
	}
	return opts
}

func publishHandler(handlers core.TransportHandlers) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if handlers.OnMessage == nil {
			return
		}
		handlers.OnMessage(core.Message{
			Topic:      msg.Topic(),
			Payload:    msg.Payload(),
			ReceivedAt: time.Now().UTC(),
		})
	}
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiet)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	client := t.current()
	return client != nil && client.IsConnectionOpen()
}

func (t *Transport) Subscribe(ctx context.Context, topics ...string) error {
	client := t.current()
	if client == nil {
		return errNotConnected
	}
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qos
	}
	if err := wait(ctx, client.SubscribeMultiple(filters, nil)); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, topics ...string) error {
	client := t.current()
	if client == nil {
		return nil
	}
	if err := wait(ctx, client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("mqtt unsubscribe: %w", err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	client := t.current()
	if client == nil {
		return errNotConnected
	}
	if err := wait(ctx, client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) current() mqtt.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
