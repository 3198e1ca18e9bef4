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

// Package status folds inbound encoder messages into a single snapshot.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ptzhub/encoder-hub/internal/metrics"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

// Aggregator holds the current StatusSnapshot. It is the only writer of the
// snapshot; readers get copies.
type Aggregator struct {
	ns      topics.Namespace
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	snap      core.StatusSnapshot
	listeners []func(core.StatusEvent)
}

func NewAggregator(ns topics.Namespace, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		ns:      ns,
		logger:  logger.With("component", "status"),
		metrics: m,
	}
}

// OnChange registers a callback for state and broadcast changes. Callbacks
// run on the dispatch goroutine and must not block.
func (a *Aggregator) OnChange(fn func(core.StatusEvent)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

func (a *Aggregator) Snapshot() core.StatusSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap.Clone()
}

// Process implements core.MessageProcessor.
func (a *Aggregator) Process(msg core.Message) {
	delta, ok, err := Decode(a.ns, msg)
	if err != nil {
		a.metrics.IncMalformed()
		a.logger.Warn("malformed status payload", "topic", msg.Topic, "size", len(msg.Payload), "partial", !delta.Empty(), "error", err)
	}
	if !ok || delta.Empty() {
		return
	}
	a.Apply(delta, msg.ReceivedAt)
}

// Apply merges delta into the snapshot and notifies listeners of what
// changed.
func (a *Aggregator) Apply(delta Delta, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	a.mu.Lock()
	prev := a.snap
	delta.MergeInto(&a.snap)
	a.snap.UpdatedAt = at
	cur := a.snap.Clone()
	listeners := append(([]func(core.StatusEvent))(nil), a.listeners...)
	a.mu.Unlock()

	var events []core.StatusEvent
	if prev.State != cur.State {
		if !Expected(prev.State, cur.State) {
			a.logger.Warn("unexpected lifecycle transition", "from", prev.State, "to", cur.State)
		} else {
			a.logger.Info("lifecycle state changed", "from", prev.State, "to", cur.State)
		}
		events = append(events, newEvent(core.EventStateChanged, string(prev.State), string(cur.State), cur))
	}
	if prev.CurrentBroadcastID != cur.CurrentBroadcastID {
		events = append(events, newEvent(core.EventBroadcastChanged, prev.CurrentBroadcastID, cur.CurrentBroadcastID, cur))
	}

	for _, evt := range events {
		for _, fn := range listeners {
			a.notify(fn, evt)
		}
	}
}

// ClearBroadcast forgets the current broadcast after it was completed on
// the device.
func (a *Aggregator) ClearBroadcast() {
	empty := ""
	a.Apply(Delta{BroadcastID: &empty, BroadcastTitle: &empty}, time.Time{})
}

func (a *Aggregator) notify(fn func(core.StatusEvent), evt core.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("status listener panic recovered", "error", r)
		}
	}()
	fn(evt)
}

func newEvent(kind core.StatusEventKind, prev, cur string, snap core.StatusSnapshot) core.StatusEvent {
	return core.StatusEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Previous:  prev,
		Current:   cur,
		Snapshot:  snap,
		Timestamp: time.Now().UTC(),
	}
}
