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

// Package mock provides an in-memory encoder bus. It loops published
// messages back to matching subscriptions and can answer requests through
// scripted responders, which makes it usable both in tests and as a
// stand-in device when no broker is available.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

var ErrDisconnected = errors.New("mock transport disconnected")

// Responder answers a published message. Returned messages are delivered
// after the transport's latency; returning nil means no reply.
type Responder func(msg core.Message) []core.Message

type route struct {
	pattern string
	respond Responder
}

// Transport is configured through a flat config map:
//   - latency: reply delay as a duration string (default: 0)
//   - fail_connect: "true" makes Connect fail
type Transport struct {
	name   string
	config map[string]string

	mu          sync.RWMutex
	connected   bool
	failConnect bool
	latency     time.Duration
	handlers    core.TransportHandlers
	subs        map[string]int
	routes      []route
	published   []core.Message
	connects    int
}

func New(name string, config map[string]string) *Transport {
	t := &Transport{
		name:   name,
		config: config,
		subs:   make(map[string]int),
	}
	if d, err := time.ParseDuration(config["latency"]); err == nil {
		t.latency = d
	}
	t.failConnect = config["fail_connect"] == "true"
	return t
}

func (t *Transport) Name() string { return t.name }
func (t *Transport) Type() string { return "mock" }

func (t *Transport) Connect(ctx context.Context, _ core.ConnectSettings, handlers core.TransportHandlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.failConnect {
		return errors.New("mock broker unreachable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.handlers = handlers
	t.connected = true
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.subs = make(map[string]int)
	t.mu.Unlock()
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) Subscribe(ctx context.Context, patterns ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrDisconnected
	}
	for _, p := range patterns {
		t.subs[p]++
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, patterns ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range patterns {
		delete(t.subs, p)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := core.Message{Topic: topic, Payload: append([]byte(nil), payload...), ReceivedAt: time.Now().UTC()}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrDisconnected
	}
	t.published = append(t.published, msg)
	var responders []Responder
	for _, r := range t.routes {
		if topics.Match(r.pattern, topic) {
			responders = append(responders, r.respond)
		}
	}
	latency := t.latency
	t.mu.Unlock()

	t.deliver(msg)
	var replies []core.Message
	for _, respond := range responders {
		replies = append(replies, respond(msg)...)
	}
	if len(replies) == 0 {
		return nil
	}
	if latency <= 0 {
		for _, r := range replies {
			t.deliver(r)
		}
		return nil
	}
	time.AfterFunc(latency, func() {
		for _, r := range replies {
			t.deliver(r)
		}
	})
	return nil
}

// Handle installs a responder for published topics matching pattern.
func (t *Transport) Handle(pattern string, respond Responder) {
	t.mu.Lock()
	t.routes = append(t.routes, route{pattern: pattern, respond: respond})
	t.mu.Unlock()
}

// Inject delivers msg as if the device had published it.
func (t *Transport) Inject(msg core.Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	t.deliver(msg)
}

// Drop simulates the broker going away.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.subs = make(map[string]int)
	lost := t.handlers.OnConnectionLost
	t.mu.Unlock()

	if lost != nil {
		lost(err)
	}
}

func (t *Transport) SetLatency(d time.Duration) {
	t.mu.Lock()
	t.latency = d
	t.mu.Unlock()
}

func (t *Transport) SetFailConnect(fail bool) {
	t.mu.Lock()
	t.failConnect = fail
	t.mu.Unlock()
}

// Published returns the messages published so far whose topic starts with
// prefix.
func (t *Transport) Published(prefix string) []core.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []core.Message
	for _, m := range t.published {
		if strings.HasPrefix(m.Topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func (t *Transport) Subscribed(pattern string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs[pattern] > 0
}

func (t *Transport) Connects() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connects
}

func (t *Transport) deliver(msg core.Message) {
	t.mu.RLock()
	if !t.connected || t.handlers.OnMessage == nil {
		t.mu.RUnlock()
		return
	}
	matched := false
	for p := range t.subs {
		if topics.Match(p, msg.Topic) {
			matched = true
			break
		}
	}
	onMessage := t.handlers.OnMessage
	t.mu.RUnlock()

	if matched {
		onMessage(msg)
	}
}

// Reply builds the success reply for a correlated request.
func Reply(req core.Message, payload string) core.Message {
	return core.Message{Topic: req.Topic + "/" + topics.OutcomeSuccess, Payload: []byte(payload)}
}

// Reject builds the error reply for a correlated request.
func Reject(req core.Message, reason string) core.Message {
	return core.Message{Topic: req.Topic + "/" + topics.OutcomeError, Payload: []byte(reason)}
}
