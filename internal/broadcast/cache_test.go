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

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ptzhub/encoder-hub/internal/bus"
	"github.com/ptzhub/encoder-hub/internal/logging"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ns = topics.Namespace{Session: "Session/0/Stream/0"}

type fakeRequester struct {
	mu        sync.Mutex
	prefixes  []string
	onRequest func(prefix string)
	err       error
	identity  map[string]core.Message
}

func (f *fakeRequester) Request(ctx context.Context, prefix string, payload []byte, timeout time.Duration) (bus.Reply, error) {
	f.mu.Lock()
	f.prefixes = append(f.prefixes, prefix)
	f.mu.Unlock()
	if f.err != nil {
		return bus.Reply{}, f.err
	}
	if f.onRequest != nil {
		f.onRequest(prefix)
	}
	return bus.Reply{Confirmed: true}, nil
}

func (f *fakeRequester) WaitForTopic(ctx context.Context, pattern string, timeout time.Duration) (core.Message, error) {
	if msg, ok := f.identity[pattern]; ok {
		return msg, nil
	}
	<-ctx.Done()
	return core.Message{}, core.ErrRequestTimeout
}

type fixedIdentity struct {
	mu   sync.Mutex
	snap core.StatusSnapshot
}

func (f *fixedIdentity) Snapshot() core.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func newTestCache(req Requester, id Identity, store Store) *Cache {
	return NewCache(ns, req, id, store, Options{
		Provider:       "YouTube",
		Settle:         50 * time.Millisecond,
		AccountWait:    50 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
	}, logging.Discard(), nil)
}

func seed(c *Cache, acct string, ids ...string) {
	for _, id := range ids {
		c.Upsert(core.Broadcast{ID: id, Title: "Service " + id, AccountID: acct})
	}
	c.SetOrder(acct, ids)
}

func ids(list []core.Broadcast) []string {
	out := make([]string, 0, len(list))
	for _, b := range list {
		out = append(out, b.ID)
	}
	return out
}

func TestRefreshWithNoResponseRestoresList(t *testing.T) {
	req := &fakeRequester{}
	id := &fixedIdentity{snap: core.StatusSnapshot{AccountID: "acct1"}}
	c := newTestCache(req, id, nil)
	seed(c, "acct1", "b3", "b1", "b2")
	before := c.List("b1")

	res, err := c.Refresh(context.Background(), "acct1")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, 3, res.Count)

	assert.Equal(t, before, c.List("b1"))
	assert.Equal(t, []string{"Accounts/YouTube/acct1/LiveBroadcasts/refresh"}, req.prefixes)
}

func TestRefreshReplacesListWhenDataArrives(t *testing.T) {
	store := NewMemoryStore()
	id := &fixedIdentity{snap: core.StatusSnapshot{AccountID: "acct1"}}
	var c *Cache
	req := &fakeRequester{onRequest: func(string) {
		c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct1", "n1"), Payload: []byte(`{"Title":"Morning Mass"}`)})
		c.Process(core.Message{Topic: topics.LiveBroadcastList("YouTube", "acct1"), Payload: []byte(`{"Order":["n1"]}`)})
	}}
	c = newTestCache(req, id, store)
	seed(c, "acct1", "old1", "old2")

	res, err := c.Refresh(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "acct1", res.AccountID)

	list := c.List("")
	require.Len(t, list, 1)
	assert.Equal(t, "Morning Mass", list[0].Title)
	assert.Equal(t, "acct1", list[0].AccountID)

	saved, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(saved["acct1"]))
}

func TestRefreshRequestErrorRestores(t *testing.T) {
	req := &fakeRequester{err: core.ErrNotConnected}
	c := newTestCache(req, &fixedIdentity{}, nil)
	seed(c, "acct1", "a", "b")

	_, err := c.Refresh(context.Background(), "acct1")
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.Equal(t, []string{"a", "b"}, ids(c.ListAccount("acct1", "")))
}

func TestRefreshKeepsOtherAccountDataSeparate(t *testing.T) {
	var c *Cache
	req := &fakeRequester{onRequest: func(string) {
		c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct2", "x"), Payload: []byte(`{"Title":"Other"}`)})
	}}
	c = newTestCache(req, &fixedIdentity{}, nil)
	seed(c, "acct1", "a")

	res, err := c.Refresh(context.Background(), "acct1")
	require.NoError(t, err)
	assert.True(t, res.Restored, "data for another account must not count as a refresh answer")
	assert.Equal(t, []string{"a"}, ids(c.ListAccount("acct1", "")))

	other := c.ListAccount("acct2", "")
	require.Len(t, other, 1)
	assert.Equal(t, "Other", other[0].Title)
	assert.Equal(t, "acct2", other[0].AccountID)
}

func TestRefreshWithOrderOnlyRestoresList(t *testing.T) {
	var c *Cache
	req := &fakeRequester{onRequest: func(string) {
		c.Process(core.Message{Topic: topics.LiveBroadcastList("YouTube", "acct1"), Payload: []byte(`["b1","b2","b3"]`)})
	}}
	c = newTestCache(req, &fixedIdentity{}, nil)
	seed(c, "acct1", "b1", "b2", "b3")

	res, err := c.Refresh(context.Background(), "acct1")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, []string{"b1", "b2", "b3"}, ids(c.ListAccount("acct1", "")))
}

func TestRefreshEndingEmptyRestoresList(t *testing.T) {
	var c *Cache
	req := &fakeRequester{onRequest: func(string) {
		c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct1", "n1"), Payload: []byte(`{"Title":"New"}`)})
		c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct1", "n1"), Payload: []byte(`null`)})
	}}
	c = newTestCache(req, &fixedIdentity{}, nil)
	seed(c, "acct1", "a", "b")

	res, err := c.Refresh(context.Background(), "acct1")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, []string{"a", "b"}, ids(c.ListAccount("acct1", "")))
}

func TestConcurrentRefreshesShareOneRequest(t *testing.T) {
	req := &fakeRequester{}
	c := newTestCache(req, &fixedIdentity{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Refresh(context.Background(), "acct1")
		}()
	}
	wg.Wait()

	req.mu.Lock()
	defer req.mu.Unlock()
	assert.LessOrEqual(t, len(req.prefixes), 2)
}

func TestSelectionFollowsCurrentID(t *testing.T) {
	id := &fixedIdentity{snap: core.StatusSnapshot{AccountID: "acct1"}}
	c := newTestCache(&fakeRequester{}, id, nil)
	seed(c, "acct1", "b1", "b2", "b3")

	selected := func(list []core.Broadcast) []string {
		var out []string
		for _, b := range list {
			if b.Selected {
				out = append(out, b.ID)
			}
		}
		return out
	}

	assert.Equal(t, []string{"b2"}, selected(c.List("b2")))
	assert.Equal(t, []string{"b3"}, selected(c.List("b3")))
	assert.Empty(t, selected(c.List("")))
	assert.Empty(t, selected(c.List("missing")))
}

func TestListNeverMixesAccounts(t *testing.T) {
	id := &fixedIdentity{snap: core.StatusSnapshot{AccountID: "acct1"}}
	c := newTestCache(&fakeRequester{}, id, nil)
	seed(c, "acct1", "a1", "a2")
	seed(c, "acct2", "z1")

	assert.Equal(t, []string{"a1", "a2"}, ids(c.List("")))

	id.mu.Lock()
	id.snap.AccountID = "acct2"
	id.mu.Unlock()
	assert.Equal(t, []string{"z1"}, ids(c.List("")))
}

func TestListOrdering(t *testing.T) {
	c := newTestCache(&fakeRequester{}, &fixedIdentity{}, nil)
	early := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)

	c.Upsert(core.Broadcast{ID: "c", AccountID: "acct"})
	c.Upsert(core.Broadcast{ID: "b", AccountID: "acct", ScheduledStart: &late})
	c.Upsert(core.Broadcast{ID: "a", AccountID: "acct", ScheduledStart: &early})
	assert.Equal(t, []string{"a", "b", "c"}, ids(c.ListAccount("acct", "")), "no order: by scheduled start")

	c.SetOrder("acct", []string{"c", "ghost", "a"})
	assert.Equal(t, []string{"c", "a", "b"}, ids(c.ListAccount("acct", "")), "ordered ids first, unknown skipped, rest appended")
}

func TestProcessPayloadForms(t *testing.T) {
	c := newTestCache(&fakeRequester{}, &fixedIdentity{}, nil)

	c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct", "b1"), Payload: []byte(`{"Title":"One","ScheduledStartTime":"2026-03-01T09:00:00Z","PrivacyStatus":"public"}`)})
	c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct", "b2"), Payload: []byte(`{"Title":"Two"}`)})
	c.Process(core.Message{Topic: topics.LiveBroadcastList("YouTube", "acct"), Payload: []byte(`["b2","b1"]`)})

	list := c.ListAccount("acct", "")
	require.Equal(t, []string{"b2", "b1"}, ids(list))
	require.NotNil(t, list[1].ScheduledStart)
	assert.Equal(t, "public", list[1].PrivacyStatus)

	c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct", "b2"), Payload: []byte(`null`)})
	assert.Equal(t, []string{"b1"}, ids(c.ListAccount("acct", "")))

	c.Process(core.Message{Topic: topics.LiveBroadcast("YouTube", "acct", "b1"), Payload: []byte(`{broken`)})
	assert.Equal(t, "One", c.ListAccount("acct", "")[0].Title)

	c.Process(core.Message{Topic: topics.LiveBroadcastRefresh("YouTube", "acct"), Payload: []byte(`{}`)})
	assert.Len(t, c.ListAccount("acct", ""), 1)
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(&fakeRequester{}, &fixedIdentity{}, nil)
	seed(c, "acct", "done", "next")

	c.Invalidate("done")
	assert.Equal(t, []string{"next"}, ids(c.ListAccount("acct", "")))
}

func TestResolveAccount(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		c := newTestCache(&fakeRequester{}, &fixedIdentity{}, nil)
		acct, err := c.ResolveAccount(context.Background(), "given")
		require.NoError(t, err)
		assert.Equal(t, "given", acct)
	})

	t.Run("from snapshot", func(t *testing.T) {
		c := newTestCache(&fakeRequester{}, &fixedIdentity{snap: core.StatusSnapshot{AccountID: "snap"}}, nil)
		acct, err := c.ResolveAccount(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, "snap", acct)
	})

	t.Run("from identity topic", func(t *testing.T) {
		req := &fakeRequester{identity: map[string]core.Message{
			"Accounts/+/+/Info": {Topic: "Accounts/YouTube/waited/Info", Payload: []byte(`{"Name":"Parish"}`)},
		}}
		c := newTestCache(req, &fixedIdentity{}, nil)
		acct, err := c.ResolveAccount(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, "waited", acct)
	})

	t.Run("missing", func(t *testing.T) {
		c := newTestCache(&fakeRequester{}, &fixedIdentity{}, nil)
		start := time.Now()
		_, err := c.Refresh(context.Background(), "")
		assert.ErrorIs(t, err, core.ErrMissingAccount)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestWarmFromStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "acct", []core.Broadcast{
		{ID: "s2", AccountID: "acct", Selected: true},
		{ID: "s1", AccountID: "acct"},
	}))

	c := newTestCache(&fakeRequester{}, &fixedIdentity{}, store)
	require.NoError(t, c.Warm(context.Background()))

	list := c.List("")
	assert.Equal(t, []string{"s2", "s1"}, ids(list))
	assert.False(t, list[0].Selected)
}
