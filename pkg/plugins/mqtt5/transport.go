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

package mqtt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

var errNotConnected = errors.New("mqtt5 connection not established")

// Transport is an MQTT v5 session over autopaho. Each Connect builds a fresh
// connection manager and the previous one is torn down, so the bus adapter
// stays in charge of reconnect timing.
type Transport struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	up     bool
}

func New(name string, logger *slog.Logger) *Transport {
	return &Transport{name: name, logger: logger}
}

func (t *Transport) Name() string { return t.name }
func (t *Transport) Type() string { return "mqtt5" }

func (t *Transport) Connect(ctx context.Context, settings core.ConnectSettings, handlers core.TransportHandlers) error {
	serverURL, err := url.Parse(settings.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	_ = t.Disconnect(ctx)

	var lostOnce sync.Once
	lost := func(err error) {
		t.setUp(false)
		lostOnce.Do(func() {
			t.logger.Warn("mqtt5 connection lost", "name", t.name, "error", err)
			if handlers.OnConnectionLost != nil {
				handlers.OnConnectionLost(err)
			}
		})
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ConnectTimeout:                settings.ConnectTimeout,
		ConnectUsername:               settings.Username,
		ConnectPassword:               []byte(settings.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			t.setUp(true)
			t.logger.Info("mqtt5 connection up", "name", t.name)
		},
		OnConnectError: func(err error) {
			t.logger.Debug("mqtt5 connect error", "name", t.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: settings.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if handlers.OnMessage != nil {
						handlers.OnMessage(core.Message{
							Topic:      pr.Packet.Topic,
							Payload:    pr.Packet.Payload,
							ReceivedAt: time.Now().UTC(),
						})
					}
					return true, nil
				},
			},
			OnClientError: func(err error) { lost(err) },
			OnServerDisconnect: func(d *paho.Disconnect) {
				lost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
			},
		},
	}

	// The manager outlives the connect call, so it gets its own lifetime.
	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		cancel()
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	t.mu.Lock()
	t.cm = cm
	t.cancel = cancel
	t.up = true
	t.mu.Unlock()

	t.logger.Info("mqtt5 transport connected", "name", t.name, "broker", settings.BrokerURL)
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cm, cancel := t.cm, t.cancel
	t.cm, t.cancel, t.up = nil, nil, false
	t.mu.Unlock()

	if cm == nil {
		return nil
	}
	err := cm.Disconnect(ctx)
	cancel()
	return err
}

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cm != nil && t.up
}

func (t *Transport) Subscribe(ctx context.Context, topics ...string) error {
	cm := t.current()
	if cm == nil {
		return errNotConnected
	}
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("mqtt5 subscribe: %w", err)
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, topics ...string) error {
	cm := t.current()
	if cm == nil {
		return nil
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: topics}); err != nil {
		return fmt.Errorf("mqtt5 unsubscribe: %w", err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	cm := t.current()
	if cm == nil {
		return errNotConnected
	}
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Payload: payload}); err != nil {
		return fmt.Errorf("mqtt5 publish %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) current() *autopaho.ConnectionManager {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cm
}

func (t *Transport) setUp(up bool) {
	t.mu.Lock()
	t.up = up
	t.mu.Unlock()
}
