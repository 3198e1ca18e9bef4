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

// Package bus owns the single publish/subscribe session to the encoder. It
// keeps the session alive, demultiplexes inbound messages to processors and
// correlates request/response pairs by id.
package bus

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
	"github.com/ptzhub/encoder-hub/internal/logging"
	"github.com/ptzhub/encoder-hub/internal/metrics"
	"github.com/ptzhub/encoder-hub/internal/pending"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRequestTimeout    = 5 * time.Second
	DefaultReconnectInterval = 10 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	defaultIngressSize       = 1024
	releaseTimeout           = 2 * time.Second
)

type Options struct {
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
	IngressSize       int
	Subscriptions     []string
}

func (o Options) normalize() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.IngressSize <= 0 {
		o.IngressSize = defaultIngressSize
	}
	return o
}

// Reply is the outcome of a correlated request. A request that timed out is
// reported as TimedOut with a nil error: the encoder gives no delivery
// confirmation, so silence is treated as probable success.
type Reply struct {
	CorrelationID string
	Topic         string
	Payload       []byte
	Confirmed     bool
	TimedOut      bool
	Elapsed       time.Duration
}

type topicWaiter struct {
	pattern string
	ch      chan core.Message
}

type Adapter struct {
	transport core.Transport
	settings  core.SettingsProvider
	opts      Options
	logger    *slog.Logger
	msgLog    *logging.MessageLogger
	metrics   *metrics.Metrics
	pending   *pending.Table
	connectSF singleflight.Group

	mu         sync.RWMutex
	state      core.ConnectionState
	curated    []string
	processors []core.MessageProcessor
	waiters    map[int]*topicWaiter
	nextWaiter int
	listeners  []func(core.ConnectionState)

	ingress chan core.Message
}

func NewAdapter(
	transport core.Transport,
	settings core.SettingsProvider,
	opts Options,
	logger *slog.Logger,
	msgLog *logging.MessageLogger,
	m *metrics.Metrics,
) *Adapter {
	opts = opts.normalize()
	return &Adapter{
		transport: transport,
		settings:  settings,
		opts:      opts,
		logger:    logger,
		msgLog:    msgLog,
		metrics:   m,
		pending:   pending.NewTable(),
		curated:   dedupe(opts.Subscriptions),
		waiters:   make(map[int]*topicWaiter),
		ingress:   make(chan core.Message, opts.IngressSize),
	}
}

// AddProcessor registers a consumer of demultiplexed messages. Call before
// Run.
func (a *Adapter) AddProcessor(p core.MessageProcessor) {
	a.mu.Lock()
	a.processors = append(a.processors, p)
	a.mu.Unlock()
}

// OnStateChange registers a callback invoked whenever the connected flag
// flips.
func (a *Adapter) OnStateChange(fn func(core.ConnectionState)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

func (a *Adapter) State() core.ConnectionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Connected
}

func (a *Adapter) PendingCount() int { return a.pending.Len() }

// Connect opens the bus session. It is a no-op when already connected, and
// concurrent callers share one attempt.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return nil
	}

	ch := a.connectSF.DoChan("connect", func() (any, error) {
		return nil, a.connect()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", core.ErrConnection, ctx.Err())
	}
}

func (a *Adapter) connect() error {
	settings := a.settings.ConnectSettings()
	timeout := settings.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	a.mu.Lock()
	if a.state.Connected {
		a.mu.Unlock()
		return nil
	}
	a.state.Connecting = true
	a.state.Endpoint = settings.BrokerURL
	a.mu.Unlock()

	// The attempt is shared by every waiting caller, so it is bounded by its
	// own timeout rather than any one caller's context.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("connecting to encoder bus", "broker", settings.BrokerURL, "transport", a.transport.Type())

	err := a.transport.Connect(ctx, settings, core.TransportHandlers{
		OnMessage:        a.enqueue,
		OnConnectionLost: a.connectionLost,
	})
	if err == nil {
		err = a.subscribeCurated(ctx)
		if err != nil {
			a.disconnectTransport()
		}
	}

	if err != nil {
		a.setDisconnected(err)
		a.logger.Warn("encoder bus connect failed", "broker", settings.BrokerURL, "error", err)
		return fmt.Errorf("%w: %v", core.ErrConnection, err)
	}

	a.mu.Lock()
	a.state.Connecting = false
	a.state.Connected = true
	a.state.LastError = ""
	a.state.LastConnectedAt = time.Now().UTC()
	state := a.state
	a.mu.Unlock()

	a.metrics.SetConnected(true)
	a.logger.Info("encoder bus connected", "broker", settings.BrokerURL)
	a.notifyState(state)
	return nil
}

func (a *Adapter) subscribeCurated(ctx context.Context) error {
	a.mu.RLock()
	subs := append([]string(nil), a.curated...)
	a.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}
	if err := a.transport.Subscribe(ctx, subs...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (a *Adapter) connectionLost(err error) {
	a.logger.Warn("encoder bus connection lost", "error", err)
	a.setDisconnected(err)
}

func (a *Adapter) setDisconnected(err error) {
	a.mu.Lock()
	wasConnected := a.state.Connected
	a.state.Connected = false
	a.state.Connecting = false
	if err != nil {
		a.state.LastError = err.Error()
	}
	state := a.state
	a.mu.Unlock()

	a.metrics.SetConnected(false)
	if wasConnected {
		a.notifyState(state)
	}
}

func (a *Adapter) notifyState(state core.ConnectionState) {
	a.mu.RLock()
	listeners := append(([]func(core.ConnectionState))(nil), a.listeners...)
	a.mu.RUnlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (a *Adapter) disconnectTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := a.transport.Disconnect(ctx); err != nil {
		a.logger.Debug("transport disconnect failed", "error", err)
	}
}

// Reconnect tears the session down and opens it again with the current
// settings.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.disconnectTransport()
	a.setDisconnected(errors.New("reconnect requested"))
	return a.Connect(ctx)
}

func (a *Adapter) Close(ctx context.Context) error {
	err := a.transport.Disconnect(ctx)
	a.setDisconnected(nil)
	return err
}

// Run dispatches inbound messages and retries the connection every
// ReconnectInterval while it is down. It blocks until ctx is done.
func (a *Adapter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.ReconnectInterval)
	defer ticker.Stop()

	a.logger.Info("encoder bus dispatcher started", "reconnect_interval", a.opts.ReconnectInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.ingress:
			a.dispatch(msg)
		case <-ticker.C:
			if n := a.pending.PurgeOlderThan(2 * a.opts.RequestTimeout); n > 0 {
				a.logger.Warn("purged stale pending requests", "count", n)
			}
			a.metrics.SetPending(a.pending.Len())

			state := a.State()
			if state.Connected || state.Connecting {
				continue
			}
			go a.retry(ctx)
		}
	}
}

func (a *Adapter) retry(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("reconnect panic recovered", "error", r)
		}
	}()

	a.mu.Lock()
	a.state.Reconnects++
	a.mu.Unlock()
	a.metrics.IncReconnects()

	if err := a.Connect(ctx); err != nil {
		a.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func (a *Adapter) enqueue(msg core.Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	select {
	case a.ingress <- msg:
	default:
		a.metrics.IncMessages("dropped")
		a.logger.Warn("ingress full, dropping message", "topic", msg.Topic)
	}
}

func (a *Adapter) dispatch(msg core.Message) {
	correlationID, _, isReply := topics.ParseReply(msg.Topic)
	a.msgLog.Log(msg, logging.DirectionInbound, correlationID)

	// Replies resolve before filtering so a request against a noisy scope
	// still gets its confirmation.
	resolved := isReply && a.pending.Resolve(correlationID, msg)
	filtered := topics.IsFiltered(msg.Topic)
	switch {
	case resolved:
		a.metrics.IncMessages("reply")
	case filtered:
		a.metrics.IncMessages("filtered")
	default:
		a.metrics.IncMessages("data")
	}
	if filtered {
		return
	}

	a.mu.RLock()
	processors := append([]core.MessageProcessor(nil), a.processors...)
	var matched []*topicWaiter
	for _, w := range a.waiters {
		if topics.Match(w.pattern, msg.Topic) {
			matched = append(matched, w)
		}
	}
	a.mu.RUnlock()

	for _, w := range matched {
		select {
		case w.ch <- msg:
		default:
		}
	}

	for _, p := range processors {
		a.process(p, msg)
	}
}

func (a *Adapter) process(p core.MessageProcessor, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("message processor panic recovered", "topic", msg.Topic, "error", r)
		}
	}()
	p.Process(msg)
}

// Subscribe adds patterns to the curated set, subscribing immediately when
// connected. They are re-subscribed after every reconnect.
func (a *Adapter) Subscribe(ctx context.Context, patterns ...string) error {
	a.mu.Lock()
	var added []string
	for _, p := range patterns {
		if !contains(a.curated, p) {
			a.curated = append(a.curated, p)
			added = append(added, p)
		}
	}
	connected := a.state.Connected
	a.mu.Unlock()

	if !connected || len(added) == 0 {
		return nil
	}
	return a.transport.Subscribe(ctx, added...)
}

// Publish sends payload without waiting for any reply.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte) error {
	if !a.IsConnected() {
		return core.ErrNotConnected
	}
	a.msgLog.Log(core.Message{Topic: topic, Payload: payload, ReceivedAt: time.Now().UTC()}, logging.DirectionOutbound, "")
	if err := a.transport.Publish(ctx, topic, payload); err != nil {
		if !a.transport.IsConnected() {
			a.setDisconnected(err)
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Request publishes payload to <prefix>/<id> and waits for
// <prefix>/<id>/success or <prefix>/<id>/error. When timeout elapses first
// the request is released and reported as TimedOut with a nil error.
func (a *Adapter) Request(ctx context.Context, prefix string, payload []byte, timeout time.Duration) (Reply, error) {
	if timeout <= 0 {
		timeout = a.opts.RequestTimeout
	}
	if !a.IsConnected() {
		a.metrics.IncRequests("not_connected")
		return Reply{}, core.ErrNotConnected
	}

	id := uuid.NewString()
	req, err := a.pending.Add(id, prefix)
	if err != nil {
		return Reply{}, err
	}
	a.metrics.SetPending(a.pending.Len())
	defer func() {
		a.pending.Remove(id)
		a.metrics.SetPending(a.pending.Len())
	}()

	started := time.Now()
	topic := prefix + "/" + id
	replyFilter := topic + "/+"
	reply := Reply{CorrelationID: id}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.transport.Subscribe(rctx, replyFilter); err != nil {
		if rctx.Err() == nil {
			a.metrics.IncRequests("error")
			return reply, fmt.Errorf("subscribe %s: %w", replyFilter, err)
		}
	} else {
		defer a.release(replyFilter)
	}

	if rctx.Err() == nil {
		a.msgLog.Log(core.Message{Topic: topic, Payload: payload, ReceivedAt: time.Now().UTC()}, logging.DirectionOutbound, id)
		if err := a.transport.Publish(rctx, topic, payload); err != nil && rctx.Err() == nil {
			a.metrics.IncRequests("error")
			if !a.transport.IsConnected() {
				a.setDisconnected(err)
			}
			return reply, fmt.Errorf("publish %s: %w", topic, err)
		}
	}

	select {
	case msg := <-req.Reply:
		reply.Topic = msg.Topic
		reply.Payload = msg.Payload
		reply.Elapsed = time.Since(started)
		if strings.HasSuffix(msg.Topic, "/"+topics.OutcomeError) {
			a.metrics.IncRequests("rejected")
			return reply, fmt.Errorf("%w: %s", core.ErrCommandRejected, rejectionReason(msg.Payload))
		}
		reply.Confirmed = true
		a.metrics.IncRequests("confirmed")
		return reply, nil

	case <-rctx.Done():
		reply.Elapsed = time.Since(started)
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			a.metrics.IncRequests("cancelled")
			return reply, ctx.Err()
		}
		reply.TimedOut = true
		a.metrics.IncRequests("timeout")
		a.logger.Warn("request unconfirmed, assuming delivered",
			"prefix", prefix,
			"correlation_id", id,
			"timeout", timeout,
			"error", core.ErrRequestTimeout,
		)
		return reply, nil
	}
}

// release drops a transient reply subscription in the background so the
// caller is never held up by a slow or dead broker.
func (a *Adapter) release(filter string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := a.transport.Unsubscribe(ctx, filter); err != nil {
			a.logger.Debug("release reply subscription failed", "filter", filter, "error", err)
		}
	}()
}

// WaitForTopic waits for the next message matching pattern, subscribing to
// it transiently when it is not already part of the curated set.
func (a *Adapter) WaitForTopic(ctx context.Context, pattern string, timeout time.Duration) (core.Message, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w := &topicWaiter{pattern: pattern, ch: make(chan core.Message, 1)}

	a.mu.Lock()
	key := a.nextWaiter
	a.nextWaiter++
	a.waiters[key] = w
	subscribed := contains(a.curated, pattern)
	connected := a.state.Connected
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.waiters, key)
		a.mu.Unlock()
	}()

	if !subscribed && connected {
		if err := a.transport.Subscribe(wctx, pattern); err != nil && wctx.Err() == nil {
			return core.Message{}, fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		defer a.release(pattern)
	}

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-wctx.Done():
		return core.Message{}, fmt.Errorf("wait for %s: %w", pattern, core.ErrRequestTimeout)
	}
}

func rejectionReason(payload []byte) string {
	if len(payload) == 0 {
		return "no reason given"
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err == nil {
		for _, k := range []string{"Error", "error", "Message", "message", "Reason", "reason"} {
			if v, ok := fields[k]; ok {
				return fmt.Sprint(v)
			}
		}
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil && s != "" {
		return s
	}
	return string(payload)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
