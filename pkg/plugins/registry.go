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

package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/config"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"github.com/ptzhub/encoder-hub/pkg/plugins/amqp"
	"github.com/ptzhub/encoder-hub/pkg/plugins/kafka"
	"github.com/ptzhub/encoder-hub/pkg/plugins/mock"
	"github.com/ptzhub/encoder-hub/pkg/plugins/mqtt"
	"github.com/ptzhub/encoder-hub/pkg/plugins/mqtt5"
	"github.com/ptzhub/encoder-hub/pkg/plugins/rabbitmq"
)

const (
	eventBuffer = 256
	sendTimeout = 5 * time.Second
)

// NewTransport builds the bus transport named by encoder.transport.
func NewTransport(kind string, logger *slog.Logger) (core.Transport, error) {
	switch kind {
	case "mqtt", "":
		return mqtt.New("encoder", logger), nil
	case "mqtt5":
		return mqtt5.New("encoder", logger), nil
	case "mock":
		return mock.New("encoder", map[string]string{}), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", kind)
	}
}

// NewSink builds one status sink from its config entry.
func NewSink(cfg config.SinkConfig, logger *slog.Logger) (core.Sink, error) {
	switch cfg.Type {
	case "kafka":
		return kafka.FromConfig(cfg.Name, cfg.Config, logger)
	case "rabbitmq":
		return rabbitmq.FromConfig(cfg.Name, cfg.Config, logger)
	case "amqp":
		return amqp.FromConfig(cfg.Name, cfg.Config, logger)
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
}

// Registry fans status events out to every registered sink. Sink failures
// are logged and never reach the caller.
type Registry struct {
	sinks   map[string]core.Sink
	healthy map[string]bool
	events  chan core.StatusEvent
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sinks:   make(map[string]core.Sink),
		healthy: make(map[string]bool),
		events:  make(chan core.StatusEvent, eventBuffer),
		logger:  logger,
	}
}

func (r *Registry) RegisterSink(s core.Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
	r.logger.Info("registered sink", "name", s.Name(), "type", s.Type())
}

func (r *Registry) Sinks() map[string]core.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Sink, len(r.sinks))
	for k, v := range r.sinks {
		cp[k] = v
	}
	return cp
}

func (r *Registry) ConnectSinks(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for name, s := range r.sinks {
		if err := s.Connect(ctx); err != nil {
			r.logger.Error("sink connect failed", "name", name, "error", err)
			r.healthy[name] = false
		} else {
			r.healthy[name] = true
			connected++
		}
	}
	return connected
}

func (r *Registry) IsSinkHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// Publish queues evt for delivery. It never blocks; when the queue is full
// the event is dropped.
func (r *Registry) Publish(evt core.StatusEvent) {
	select {
	case r.events <- evt:
	default:
		r.logger.Warn("sink queue full, dropping status event", "kind", evt.Kind, "id", evt.ID)
	}
}

// Run delivers queued events until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.events:
			r.deliver(ctx, evt)
		}
	}
}

func (r *Registry) deliver(ctx context.Context, evt core.StatusEvent) {
	r.mu.RLock()
	targets := make(map[string]core.Sink)
	for name, s := range r.sinks {
		if r.healthy[name] {
			targets[name] = s
		}
	}
	r.mu.RUnlock()

	for name, s := range targets {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := s.Send(sctx, evt); err != nil {
			r.logger.Warn("sink send failed", "name", name, "kind", evt.Kind, "error", err)
		}
		cancel()
	}
}

func (r *Registry) DisconnectAll(ctx context.Context) {
	for name, s := range r.Sinks() {
		r.logger.Info("stopping sink", "name", name)
		if err := s.Disconnect(ctx); err != nil {
			r.logger.Warn("sink disconnect failed", "name", name, "error", err)
		}
	}
}
