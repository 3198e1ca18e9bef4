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

// Package lifecycle is the operation surface of the encoder client. Each
// operation issues at most one correlated request and converts every error
// into a core.Result; callers observe the resulting state transition by
// polling GetStreamingStatus.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ptzhub/encoder-hub/internal/broadcast"
	"github.com/ptzhub/encoder-hub/internal/bus"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

const backgroundRefreshTimeout = 30 * time.Second

// Bus is the part of the bus adapter the controller drives.
type Bus interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Request(ctx context.Context, prefix string, payload []byte, timeout time.Duration) (bus.Reply, error)
}

type StatusSource interface {
	Snapshot() core.StatusSnapshot
	ClearBroadcast()
}

type BroadcastCache interface {
	List(currentID string) []core.Broadcast
	Lookup(id string) (core.Broadcast, bool)
	Refresh(ctx context.Context, accountID string) (broadcast.RefreshResult, error)
	Invalidate(id string)
}

type StatusPoller interface {
	Poll(ctx context.Context) (core.StreamingStatus, error)
}

type Options struct {
	RequestTimeout time.Duration
}

// CommandResult is the Data of a lifecycle operation. Confirmed is false
// when the device did not answer in time; the command is then assumed to
// have been delivered.
type CommandResult struct {
	Command       string                `json:"command"`
	CorrelationID string                `json:"correlationId"`
	Confirmed     bool                  `json:"confirmed"`
	TimedOut      bool                  `json:"timedOut"`
	ElapsedMs     int64                 `json:"elapsedMs"`
	Expected      []core.LifecycleState `json:"expected,omitempty"`
}

type RefreshResponse struct {
	broadcast.RefreshResult
	Broadcasts []core.Broadcast `json:"broadcasts"`
}

// operation describes one lifecycle verb and the states the device is
// expected to pass through afterwards.
type operation struct {
	verb     string
	expected []core.LifecycleState
	allowed  []core.LifecycleState
}

var (
	opStart      = operation{verb: topics.VerbPublish, expected: []core.LifecycleState{core.StateStarting, core.StateLive}}
	opStop       = operation{verb: topics.VerbUnpublish, expected: []core.LifecycleState{core.StateStopping, core.StateReady}}
	opPreview    = operation{verb: topics.VerbPreview, expected: []core.LifecycleState{core.StatePreviewing}}
	opEndPreview = operation{verb: topics.VerbEndPreview, expected: []core.LifecycleState{core.StateReady}}
	opGoLive     = operation{verb: topics.VerbBroadcast, expected: []core.LifecycleState{core.StateLive}, allowed: []core.LifecycleState{core.StatePreviewing}}
	opComplete   = operation{verb: topics.VerbComplete, expected: []core.LifecycleState{core.StateReady}}
)

type Controller struct {
	ns     topics.Namespace
	bus    Bus
	status StatusSource
	cache  BroadcastCache
	poller StatusPoller
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	degraded  bool
	listeners []func(core.StatusEvent)

	background sync.WaitGroup
}

func NewController(ns topics.Namespace, b Bus, status StatusSource, cache BroadcastCache, poller StatusPoller, opts Options, logger *slog.Logger) *Controller {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = bus.DefaultRequestTimeout
	}
	return &Controller{
		ns:     ns,
		bus:    b,
		status: status,
		cache:  cache,
		poller: poller,
		opts:   opts,
		logger: logger.With("component", "lifecycle"),
	}
}

// OnDegradedChange registers a callback for entering and leaving degraded
// mode.
func (c *Controller) OnDegradedChange(fn func(core.StatusEvent)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Wait blocks until background work started by operations has finished.
func (c *Controller) Wait() { c.background.Wait() }

// ensureConnected connects when needed. A failure is logged and the caller
// carries on in degraded mode.
func (c *Controller) ensureConnected(ctx context.Context) bool {
	if c.bus.IsConnected() {
		return true
	}
	if err := c.bus.Connect(ctx); err != nil {
		c.logger.Warn("encoder bus unavailable, continuing degraded", "error", err)
		return false
	}
	return c.bus.IsConnected()
}

func (c *Controller) GetStatus(ctx context.Context) core.Result {
	snap := c.enrich(c.status.Snapshot())
	return core.Result{
		Success:   true,
		Data:      snap,
		Connected: c.bus.IsConnected(),
		Streaming: snap.IsStreaming(),
	}
}

// GetStreamingStatus reads the bus-backed snapshot, or the HTTP status page
// when the bus is down. Both paths return core.StreamingStatus.
func (c *Controller) GetStreamingStatus(ctx context.Context) core.Result {
	if c.bus.IsConnected() {
		c.setDegraded(false, core.StatusSnapshot{})
		snap := c.enrich(c.status.Snapshot())
		st := core.NewStreamingStatus(snap, true, core.SourceBus)
		return core.Result{Success: true, Data: st, Connected: true, Streaming: st.IsStreaming}
	}

	st, err := c.poller.Poll(ctx)
	c.setDegraded(true, st.StatusSnapshot)
	res := core.Result{Success: err == nil, Data: st, Connected: false, Streaming: st.IsStreaming}
	if err != nil {
		res.Error = err.Error()
		res.Reason = core.ReasonUnreachable
	}
	return res
}

func (c *Controller) StartStreaming(ctx context.Context) core.Result {
	return c.run(ctx, opStart)
}

func (c *Controller) StopStreaming(ctx context.Context) core.Result {
	return c.run(ctx, opStop)
}

func (c *Controller) StartPreview(ctx context.Context) core.Result {
	return c.run(ctx, opPreview)
}

func (c *Controller) EndPreview(ctx context.Context) core.Result {
	return c.run(ctx, opEndPreview)
}

// GoLive promotes a running preview to the live broadcast.
func (c *Controller) GoLive(ctx context.Context) core.Result {
	return c.run(ctx, opGoLive)
}

// CompleteBroadcast ends the broadcast on the remote platform. The
// broadcast can not be selected again, so it is dropped from the cache and
// a refresh is started in the background.
func (c *Controller) CompleteBroadcast(ctx context.Context) core.Result {
	completed := c.status.Snapshot()
	res := c.run(ctx, opComplete)
	if !res.Success {
		return res
	}

	c.cache.Invalidate(completed.CurrentBroadcastID)
	c.status.ClearBroadcast()

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		rctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		if _, err := c.cache.Refresh(rctx, completed.AccountID); err != nil {
			c.logger.Warn("broadcast refresh after complete failed", "error", err)
		}
	}()
	return res
}

func (c *Controller) run(ctx context.Context, op operation) core.Result {
	if !c.ensureConnected(ctx) {
		return c.unreachable()
	}

	snap := c.status.Snapshot()
	if len(op.allowed) > 0 && !containsState(op.allowed, snap.State) {
		err := fmt.Errorf("%s from %s: %w", op.verb, displayState(snap.State), core.ErrInvalidTransition)
		return c.fail(err, core.ReasonInvalidState)
	}

	c.logger.Info("issuing lifecycle command", "command", op.verb, "state", snap.State)
	reply, err := c.bus.Request(ctx, c.ns.Verb(op.verb), []byte("{}"), c.opts.RequestTimeout)
	if err != nil {
		return c.fail(fmt.Errorf("%s: %w", op.verb, err), reasonFor(err))
	}

	return c.ok(CommandResult{
		Command:       op.verb,
		CorrelationID: reply.CorrelationID,
		Confirmed:     reply.Confirmed,
		TimedOut:      reply.TimedOut,
		ElapsedMs:     reply.Elapsed.Milliseconds(),
		Expected:      op.expected,
	})
}

func (c *Controller) GetDestinations(ctx context.Context) core.Result {
	mode := c.status.Snapshot().Mode
	out := make([]core.Destination, len(core.Destinations))
	for i, d := range core.Destinations {
		d.Active = mode != "" && (strings.EqualFold(d.ID, mode) || strings.EqualFold(d.Provider, mode))
		out[i] = d
	}
	return c.ok(out)
}

// SetDestination changes the streaming target. It does not change the
// lifecycle state.
func (c *Controller) SetDestination(ctx context.Context, id string) core.Result {
	dest, ok := core.LookupDestination(id)
	if !ok {
		return c.fail(fmt.Errorf("%q: %w", id, core.ErrUnknownDestination), core.ReasonInvalidInput)
	}
	return c.updateSettings(ctx, "setDestination", c.ns.SettingsUpdate(), map[string]any{"Mode": dest.ID})
}

func (c *Controller) GetBroadcasts(ctx context.Context) core.Result {
	snap := c.status.Snapshot()
	return c.ok(c.cache.List(snap.CurrentBroadcastID))
}

func (c *Controller) RefreshBroadcasts(ctx context.Context, accountID string) core.Result {
	if !c.ensureConnected(ctx) {
		return c.unreachable()
	}
	res, err := c.cache.Refresh(ctx, accountID)
	if err != nil {
		return c.fail(err, reasonFor(err))
	}
	snap := c.status.Snapshot()
	return c.ok(RefreshResponse{RefreshResult: res, Broadcasts: c.cache.List(snap.CurrentBroadcastID)})
}

// SelectBroadcast points the encoder at broadcast id. The lifecycle state is
// unaffected.
func (c *Controller) SelectBroadcast(ctx context.Context, id string) core.Result {
	id = strings.TrimSpace(id)
	if id == "" {
		return c.fail(errors.New("broadcast id is required"), core.ReasonInvalidInput)
	}
	if _, known := c.cache.Lookup(id); !known {
		c.logger.Warn("selecting broadcast not in cache", "broadcast_id", id)
	}
	return c.updateSettings(ctx, "selectBroadcast", c.ns.SettingsUpdate(), map[string]any{"BroadcastId": id})
}

// UpdateSettings sends fields to <scope>/update. An empty scope means the
// stream settings.
func (c *Controller) UpdateSettings(ctx context.Context, scope string, fields map[string]any) core.Result {
	if len(fields) == 0 {
		return c.fail(errors.New("no settings fields given"), core.ReasonInvalidInput)
	}
	prefix := c.ns.SettingsUpdate()
	if scope = strings.Trim(scope, "/"); scope != "" {
		if strings.ContainsAny(scope, "+#") {
			return c.fail(fmt.Errorf("scope %q must not contain wildcards", scope), core.ReasonInvalidInput)
		}
		prefix = topics.UpdatePrefix(scope)
	}
	return c.updateSettings(ctx, "updateSettings", prefix, fields)
}

func (c *Controller) updateSettings(ctx context.Context, name, prefix string, fields map[string]any) core.Result {
	if !c.ensureConnected(ctx) {
		return c.unreachable()
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return c.fail(fmt.Errorf("encode settings: %w", err), core.ReasonInvalidInput)
	}
	reply, err := c.bus.Request(ctx, prefix, payload, c.opts.RequestTimeout)
	if err != nil {
		return c.fail(fmt.Errorf("%s: %w", name, err), reasonFor(err))
	}
	return c.ok(CommandResult{
		Command:       name,
		CorrelationID: reply.CorrelationID,
		Confirmed:     reply.Confirmed,
		TimedOut:      reply.TimedOut,
		ElapsedMs:     reply.Elapsed.Milliseconds(),
	})
}

// enrich fills the broadcast title from the cache when the device only
// reported an id.
func (c *Controller) enrich(snap core.StatusSnapshot) core.StatusSnapshot {
	if snap.CurrentBroadcastTitle == "" && snap.CurrentBroadcastID != "" {
		if b, ok := c.cache.Lookup(snap.CurrentBroadcastID); ok {
			snap.CurrentBroadcastTitle = b.Title
		}
	}
	return snap
}

func (c *Controller) setDegraded(degraded bool, snap core.StatusSnapshot) {
	c.mu.Lock()
	if c.degraded == degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = degraded
	listeners := append(([]func(core.StatusEvent))(nil), c.listeners...)
	c.mu.Unlock()

	kind := core.EventRecovered
	if degraded {
		kind = core.EventDegraded
		c.logger.Warn("entering degraded mode, using HTTP status page")
	} else {
		c.logger.Info("bus status restored, leaving degraded mode")
	}
	evt := core.StatusEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Current:   string(snap.State),
		Snapshot:  snap,
		Timestamp: time.Now().UTC(),
	}
	for _, fn := range listeners {
		fn(evt)
	}
}

func (c *Controller) ok(data any) core.Result {
	snap := c.status.Snapshot()
	return core.Result{
		Success:   true,
		Data:      data,
		Connected: c.bus.IsConnected(),
		Streaming: snap.IsStreaming(),
	}
}

func (c *Controller) fail(err error, reason core.FailureReason) core.Result {
	c.logger.Warn("operation failed", "reason", reason, "error", err)
	return core.Result{
		Success:   false,
		Error:     err.Error(),
		Reason:    reason,
		Connected: c.bus.IsConnected(),
		Streaming: c.status.Snapshot().IsStreaming(),
	}
}

func (c *Controller) unreachable() core.Result {
	return core.Result{
		Success:   false,
		Error:     "encoder unreachable",
		Reason:    core.ReasonUnreachable,
		Connected: false,
		Streaming: c.status.Snapshot().IsStreaming(),
	}
}

func reasonFor(err error) core.FailureReason {
	switch {
	case errors.Is(err, core.ErrNotConnected), errors.Is(err, core.ErrConnection):
		return core.ReasonUnreachable
	case errors.Is(err, core.ErrCommandRejected):
		return core.ReasonRejected
	case errors.Is(err, core.ErrMissingAccount):
		return core.ReasonMissingAccount
	case errors.Is(err, core.ErrInvalidTransition):
		return core.ReasonInvalidState
	}
	return core.ReasonInternal
}

func containsState(list []core.LifecycleState, s core.LifecycleState) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func displayState(s core.LifecycleState) string {
	if s == "" {
		return "unknown state"
	}
	return string(s)
}
