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

// Package broadcast caches the encoder's list of remote live-event targets
// per account and runs the refresh round-trip against the device.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/internal/bus"
	"github.com/ptzhub/encoder-hub/internal/metrics"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSettle      = 3 * time.Second
	DefaultAccountWait = 2 * time.Second
)

// Requester is the part of the bus adapter the cache needs.
type Requester interface {
	Request(ctx context.Context, prefix string, payload []byte, timeout time.Duration) (bus.Reply, error)
	WaitForTopic(ctx context.Context, pattern string, timeout time.Duration) (core.Message, error)
}

// Identity supplies the account the encoder is currently signed in to.
type Identity interface {
	Snapshot() core.StatusSnapshot
}

type Options struct {
	Provider       string
	Settle         time.Duration
	AccountWait    time.Duration
	RequestTimeout time.Duration
}

// RefreshResult describes how a refresh ended.
type RefreshResult struct {
	AccountID string `json:"accountId"`
	Count     int    `json:"count"`
	Restored  bool   `json:"restored"`
	Confirmed bool   `json:"confirmed"`
}

// accountSet is membership plus display order for one account. The two are
// reported by separate topics and may arrive in either order.
type accountSet struct {
	entries  map[string]core.Broadcast
	order    []string
	hasOrder bool
}

func newAccountSet() *accountSet {
	return &accountSet{entries: make(map[string]core.Broadcast)}
}

func (s *accountSet) clone() *accountSet {
	c := &accountSet{
		entries:  make(map[string]core.Broadcast, len(s.entries)),
		order:    append([]string(nil), s.order...),
		hasOrder: s.hasOrder,
	}
	for id, b := range s.entries {
		c.entries[id] = b
	}
	return c
}

type refreshState struct {
	accountID string
	arrived   bool
}

type Cache struct {
	ns       topics.Namespace
	bus      Requester
	identity Identity
	store    Store
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	accounts   map[string]*accountSet
	lastSeen   string
	refreshing *refreshState

	refreshMu sync.Mutex
	refreshSF singleflight.Group
}

func NewCache(ns topics.Namespace, requester Requester, identity Identity, store Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.AccountWait <= 0 {
		opts.AccountWait = DefaultAccountWait
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = bus.DefaultRequestTimeout
	}
	return &Cache{
		ns:       ns,
		bus:      requester,
		identity: identity,
		store:    store,
		opts:     opts,
		logger:   logger.With("component", "broadcast"),
		metrics:  m,
		accounts: make(map[string]*accountSet),
	}
}

// Warm seeds the cache from the store. Accounts that already have live
// data are left alone.
func (c *Cache) Warm(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	lists, err := c.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load broadcasts: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for acct, list := range lists {
		if _, ok := c.accounts[acct]; ok {
			continue
		}
		set := newAccountSet()
		for _, b := range list {
			b.Selected = false
			set.entries[b.ID] = b
			set.order = append(set.order, b.ID)
		}
		set.hasOrder = true
		c.accounts[acct] = set
		if c.lastSeen == "" {
			c.lastSeen = acct
		}
	}
	c.logger.Info("broadcast cache warmed", "accounts", len(lists))
	return nil
}

// Upsert inserts or replaces b, keyed by id within its account.
func (c *Cache) Upsert(b core.Broadcast) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Selected = false
	c.set(b.AccountID).entries[b.ID] = b
	c.touch(b.AccountID)
}

// Remove deletes one broadcast from an account.
func (c *Cache) Remove(accountID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.accounts[accountID]; ok {
		delete(set.entries, id)
	}
	c.touch(accountID)
}

// SetOrder replaces the display order of an account.
func (c *Cache) SetOrder(accountID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.set(accountID)
	set.order = append([]string(nil), ids...)
	set.hasOrder = true
	c.touch(accountID)
}

// List returns the current account's broadcasts in display order with
// Selected set on the entry whose id equals currentID.
func (c *Cache) List(currentID string) []core.Broadcast {
	return c.ListAccount(c.activeAccount(), currentID)
}

func (c *Cache) ListAccount(accountID, currentID string) []core.Broadcast {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.accounts[accountID]
	if !ok {
		return []core.Broadcast{}
	}

	out := make([]core.Broadcast, 0, len(set.entries))
	placed := make(map[string]bool, len(set.entries))
	if set.hasOrder {
		for _, id := range set.order {
			b, ok := set.entries[id]
			if !ok || placed[id] {
				continue
			}
			placed[id] = true
			out = append(out, b)
		}
	}

	var rest []core.Broadcast
	for id, b := range set.entries {
		if !placed[id] {
			rest = append(rest, b)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return lessByStart(rest[i], rest[j]) })
	out = append(out, rest...)

	for i := range out {
		out[i].Selected = currentID != "" && out[i].ID == currentID
	}
	return out
}

// Lookup finds a broadcast by id in the current account.
func (c *Cache) Lookup(id string) (core.Broadcast, bool) {
	acct := c.activeAccount()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if set, ok := c.accounts[acct]; ok {
		b, ok := set.entries[id]
		return b, ok
	}
	return core.Broadcast{}, false
}

// Invalidate drops a broadcast the device has completed. It will not come
// back unless a later refresh reports it again.
func (c *Cache) Invalidate(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, set := range c.accounts {
		delete(set.entries, id)
	}
}

// Process implements core.MessageProcessor for LiveBroadcasts topics.
func (c *Cache) Process(msg core.Message) {
	at, ok := topics.ParseAccountTopic(msg.Topic)
	if !ok || at.Kind != topics.KindLiveBroadcasts {
		return
	}

	var (
		upserted bool
		err      error
	)
	if at.BroadcastID == "" {
		err = c.applyOrder(at.AccountID, msg.Payload)
	} else {
		upserted, err = c.applyEntry(at.AccountID, at.BroadcastID, msg.Payload)
	}
	if err != nil {
		c.metrics.IncMalformed()
		c.logger.Warn("dropping malformed broadcast payload", "topic", msg.Topic, "error", err)
		return
	}
	if !upserted {
		return
	}

	// Only an entry counts as a refresh answer.
	c.mu.Lock()
	if c.refreshing != nil && c.refreshing.accountID == at.AccountID {
		c.refreshing.arrived = true
	}
	c.mu.Unlock()
}

func (c *Cache) applyOrder(accountID string, payload []byte) error {
	raw := bytes.TrimSpace(payload)
	var ids []string
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		ids = []string{}
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("%v: %w", err, core.ErrMalformedPayload)
		}
	default:
		var p struct {
			Order []string `json:"Order"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%v: %w", err, core.ErrMalformedPayload)
		}
		ids = p.Order
	}
	c.SetOrder(accountID, ids)
	return nil
}

type broadcastPayload struct {
	Title           string     `json:"Title"`
	ScheduledStart  *time.Time `json:"ScheduledStartTime"`
	LifeCycleStatus string     `json:"LifeCycleStatus"`
	PrivacyStatus   string     `json:"PrivacyStatus"`
}

// applyEntry reports whether the payload upserted an entry.
func (c *Cache) applyEntry(accountID, id string, payload []byte) (bool, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		c.Remove(accountID, id)
		return false, nil
	}

	var p broadcastPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, fmt.Errorf("%v: %w", err, core.ErrMalformedPayload)
	}
	c.Upsert(core.Broadcast{
		ID:              id,
		Title:           p.Title,
		ScheduledStart:  p.ScheduledStart,
		LifeCycleStatus: p.LifeCycleStatus,
		PrivacyStatus:   p.PrivacyStatus,
		AccountID:       accountID,
	})
	return true, nil
}

// Refresh asks the device to re-publish the broadcast set for accountID and
// waits the settle window. When no entry arrives in that window the
// previous list and order are restored exactly. Concurrent calls for the same
// account share one refresh; different accounts are serialised.
func (c *Cache) Refresh(ctx context.Context, accountID string) (RefreshResult, error) {
	acct, err := c.ResolveAccount(ctx, accountID)
	if err != nil {
		return RefreshResult{}, err
	}

	ch := c.refreshSF.DoChan(acct, func() (any, error) {
		c.refreshMu.Lock()
		defer c.refreshMu.Unlock()
		return c.refresh(acct)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return RefreshResult{AccountID: acct}, res.Err
		}
		return res.Val.(RefreshResult), nil
	case <-ctx.Done():
		return RefreshResult{AccountID: acct}, ctx.Err()
	}
}

func (c *Cache) refresh(acct string) (RefreshResult, error) {
	result := RefreshResult{AccountID: acct}

	c.mu.Lock()
	var saved *accountSet
	if set, ok := c.accounts[acct]; ok {
		saved = set.clone()
	}
	c.accounts[acct] = newAccountSet()
	c.refreshing = &refreshState{accountID: acct}
	c.mu.Unlock()

	provider := c.provider()
	c.logger.Info("refreshing broadcasts", "account_id", acct, "provider", provider, "settle", c.opts.Settle)

	// The shared refresh must not be cut short by whichever caller started
	// it, so it runs on its own bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout+c.opts.Settle+time.Second)
	defer cancel()

	reply, err := c.bus.Request(ctx, topics.LiveBroadcastRefresh(provider, acct), nil, c.opts.RequestTimeout)
	if err != nil {
		c.finishRefresh(acct, saved, true)
		return result, fmt.Errorf("refresh broadcasts: %w", err)
	}
	result.Confirmed = reply.Confirmed

	timer := time.NewTimer(c.opts.Settle)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	result.Restored = c.finishRefresh(acct, saved, false)
	list := c.ListAccount(acct, "")
	result.Count = len(list)

	if result.Restored {
		c.metrics.IncRefreshRestores()
		c.logger.Warn("no broadcasts arrived within settle window, restored previous list",
			"account_id", acct, "count", result.Count)
		return result, nil
	}

	if c.store != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		if err := c.store.Save(sctx, acct, list); err != nil {
			c.logger.Warn("failed to persist broadcasts", "account_id", acct, "error", err)
		}
	}
	c.logger.Info("broadcasts refreshed", "account_id", acct, "count", result.Count)
	return result, nil
}

// finishRefresh ends the refresh window and restores saved when no entry
// arrived, the refreshed set ended up empty, or force is set. It reports
// whether a restore happened.
func (c *Cache) finishRefresh(acct string, saved *accountSet, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	arrived := c.refreshing != nil && c.refreshing.arrived
	c.refreshing = nil
	if set, ok := c.accounts[acct]; !ok || len(set.entries) == 0 {
		arrived = false
	}
	if arrived && !force {
		c.touch(acct)
		return false
	}
	if saved != nil {
		c.accounts[acct] = saved
	} else {
		delete(c.accounts, acct)
	}
	return true
}

// ResolveAccount returns accountID when set, otherwise the account from
// the status snapshot, otherwise waits briefly for an identity-bearing
// topic to arrive.
func (c *Cache) ResolveAccount(ctx context.Context, accountID string) (string, error) {
	if accountID != "" {
		return accountID, nil
	}
	if c.identity != nil {
		if acct := c.identity.Snapshot().AccountID; acct != "" {
			return acct, nil
		}
	}

	c.logger.Debug("no account known, waiting for identity", "timeout", c.opts.AccountWait)

	wctx, cancel := context.WithTimeout(ctx, c.opts.AccountWait)
	defer cancel()

	patterns := c.ns.IdentitySubscriptions()
	found := make(chan string, len(patterns))
	var wg sync.WaitGroup
	for _, pattern := range patterns {
		wg.Add(1)
		go func(pattern string) {
			defer wg.Done()
			msg, err := c.bus.WaitForTopic(wctx, pattern, c.opts.AccountWait)
			if err != nil {
				return
			}
			if acct := accountFromMessage(c.ns, msg); acct != "" {
				found <- acct
				cancel()
			}
		}(pattern)
	}
	wg.Wait()
	close(found)

	if acct, ok := <-found; ok {
		return acct, nil
	}
	// The aggregator may have seen the identity on its own path meanwhile.
	if c.identity != nil {
		if acct := c.identity.Snapshot().AccountID; acct != "" {
			return acct, nil
		}
	}
	return "", core.ErrMissingAccount
}

func accountFromMessage(ns topics.Namespace, msg core.Message) string {
	if at, ok := topics.ParseAccountTopic(msg.Topic); ok {
		return at.AccountID
	}
	if msg.Topic == ns.Settings() {
		var p struct {
			AccountID string `json:"AccountId"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			return p.AccountID
		}
	}
	return ""
}

func (c *Cache) activeAccount() string {
	if c.identity != nil {
		if acct := c.identity.Snapshot().AccountID; acct != "" {
			return acct
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Cache) provider() string {
	if c.identity != nil {
		if p := c.identity.Snapshot().Provider; p != "" {
			return p
		}
	}
	if c.opts.Provider != "" {
		return c.opts.Provider
	}
	return "YouTube"
}

// set returns the account's set, creating it. Caller holds c.mu.
func (c *Cache) set(accountID string) *accountSet {
	set, ok := c.accounts[accountID]
	if !ok {
		set = newAccountSet()
		c.accounts[accountID] = set
	}
	return set
}

// touch records accountID as the most recent account with data. Caller
// holds c.mu.
func (c *Cache) touch(accountID string) {
	if accountID != "" {
		c.lastSeen = accountID
	}
}

func lessByStart(a, b core.Broadcast) bool {
	switch {
	case a.ScheduledStart != nil && b.ScheduledStart != nil && !a.ScheduledStart.Equal(*b.ScheduledStart):
		return a.ScheduledStart.Before(*b.ScheduledStart)
	case a.ScheduledStart != nil && b.ScheduledStart == nil:
		return true
	case a.ScheduledStart == nil && b.ScheduledStart != nil:
		return false
	}
	return a.ID < b.ID
}
