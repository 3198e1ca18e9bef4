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

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ptzhub/encoder-hub/internal/logging"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"github.com/ptzhub/encoder-hub/pkg/plugins/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const session = "Session/0/Stream/0"

type staticSettings struct{}

func (staticSettings) ConnectSettings() core.ConnectSettings {
	return core.ConnectSettings{BrokerURL: "mock://encoder", ClientID: "test", ConnectTimeout: time.Second}
}

type recorder struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (r *recorder) Process(msg core.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func newTestAdapter(t *testing.T, opts Options) (*Adapter, *mock.Transport) {
	t.Helper()
	if opts.Subscriptions == nil {
		opts.Subscriptions = topics.Namespace{Session: session}.Subscriptions()
	}
	tr := mock.New("device", map[string]string{})
	a := NewAdapter(tr, staticSettings{}, opts, logging.Discard(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	return a, tr
}

func TestConnectSubscribesCuratedSet(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})

	require.NoError(t, a.Connect(context.Background()))
	assert.True(t, a.IsConnected())

	for _, sub := range (topics.Namespace{Session: session}).Subscriptions() {
		assert.True(t, tr.Subscribed(sub), "expected subscription to %s", sub)
	}
	assert.False(t, tr.Subscribed("#"))
}

func TestConnectIsSingleFlight(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Connect(context.Background())
		}()
	}
	wg.Wait()

	assert.True(t, a.IsConnected())
	assert.Equal(t, 1, tr.Connects())

	require.NoError(t, a.Connect(context.Background()))
	connects := tr.Connects()
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, connects, tr.Connects(), "connect while connected must be a no-op")
}

func TestConnectFailureWrapsConnectionError(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	tr.SetFailConnect(true)

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConnection)
	assert.False(t, a.State().Connecting)
	assert.NotEmpty(t, a.State().LastError)
}

func TestRequestConfirmedAfterLatency(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	tr.SetLatency(200 * time.Millisecond)
	tr.Handle(session+"/publish/+", func(req core.Message) []core.Message {
		return []core.Message{mock.Reply(req, `{}`)}
	})

	reply, err := a.Request(context.Background(), session+"/publish", []byte(`{}`), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, reply.Confirmed)
	assert.False(t, reply.TimedOut)
	assert.GreaterOrEqual(t, reply.Elapsed, 200*time.Millisecond)
	assert.Less(t, reply.Elapsed, time.Second)
	assert.Equal(t, 0, a.PendingCount())
}

func TestRequestRejected(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	tr.Handle(session+"/preview/+", func(req core.Message) []core.Message {
		return []core.Message{mock.Reject(req, `{"Error":"no input signal"}`)}
	})

	_, err := a.Request(context.Background(), session+"/preview", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCommandRejected)
	assert.Contains(t, err.Error(), "no input signal")
}

func TestRequestTimeoutIsLenient(t *testing.T) {
	a, _ := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	timeout := 150 * time.Millisecond
	reply, err := a.Request(context.Background(), session+"/complete", nil, timeout)
	require.NoError(t, err)
	assert.True(t, reply.TimedOut)
	assert.False(t, reply.Confirmed)
	assert.GreaterOrEqual(t, reply.Elapsed, timeout)
	assert.Less(t, reply.Elapsed, timeout+500*time.Millisecond)
	assert.Equal(t, 0, a.PendingCount())
}

func TestRequestNotConnected(t *testing.T) {
	a, _ := newTestAdapter(t, Options{})

	start := time.Now()
	_, err := a.Request(context.Background(), session+"/publish", nil, time.Second)
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRequestCancelledByCaller(t *testing.T) {
	a, _ := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := a.Request(ctx, session+"/publish", nil, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConnectionDropMidRequestTimesOut(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	tr.SetLatency(100 * time.Millisecond)
	tr.Handle(session+"/publish/+", func(req core.Message) []core.Message {
		return []core.Message{mock.Reply(req, `{}`)}
	})
	time.AfterFunc(20*time.Millisecond, func() { tr.Drop(errors.New("broker gone")) })

	reply, err := a.Request(context.Background(), session+"/publish", nil, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, reply.TimedOut)
	assert.False(t, a.IsConnected())
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	tr.SetLatency(20 * time.Millisecond)
	tr.Handle(session+"/+/+", func(req core.Message) []core.Message {
		return []core.Message{mock.Reply(req, `{}`)}
	})

	var wg sync.WaitGroup
	results := make([]Reply, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := a.Request(context.Background(), session+"/publish", nil, time.Second)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, r := range results {
		assert.True(t, r.Confirmed)
		assert.False(t, seen[r.CorrelationID], "duplicate correlation id")
		seen[r.CorrelationID] = true
	}
	assert.Equal(t, 0, a.PendingCount())
}

func TestDispatchFiltersChattyTopics(t *testing.T) {
	a, tr := newTestAdapter(t, Options{Subscriptions: []string{session + "/#"}})
	rec := &recorder{}
	a.AddProcessor(rec)
	require.NoError(t, a.Connect(context.Background()))

	tr.Inject(core.Message{Topic: session + "/AudioLevels", Payload: []byte(`[1,2]`)})
	tr.Inject(core.Message{Topic: session + "/Preview/Image", Payload: []byte(`x`)})
	tr.Inject(core.Message{Topic: session + "/State", Payload: []byte(`"Live"`)})

	assert.Eventually(t, func() bool { return len(rec.topics()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{session + "/State"}, rec.topics())
}

func TestRequestOnFilteredScopeStillConfirms(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	rec := &recorder{}
	a.AddProcessor(rec)
	require.NoError(t, a.Connect(context.Background()))

	tr.Handle(session+"/Preview/update/+", func(req core.Message) []core.Message {
		return []core.Message{mock.Reply(req, `{}`)}
	})

	reply, err := a.Request(context.Background(), session+"/Preview/update", []byte(`{"Enabled":true}`), time.Second)
	require.NoError(t, err)
	assert.True(t, reply.Confirmed)
	assert.False(t, reply.TimedOut)
	assert.Equal(t, 0, a.PendingCount())
	assert.Empty(t, rec.topics(), "filtered replies must not reach processors")
}

func TestProcessorPanicDoesNotStopDispatch(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	a.AddProcessor(core.MessageProcessorFunc(func(core.Message) { panic("boom") }))
	rec := &recorder{}
	a.AddProcessor(rec)
	require.NoError(t, a.Connect(context.Background()))

	tr.Inject(core.Message{Topic: session + "/State", Payload: []byte(`"Ready"`)})
	tr.Inject(core.Message{Topic: session + "/State", Payload: []byte(`"Live"`)})

	assert.Eventually(t, func() bool { return len(rec.topics()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestReconnectLoopRestoresSession(t *testing.T) {
	a, tr := newTestAdapter(t, Options{ReconnectInterval: 50 * time.Millisecond})

	var mu sync.Mutex
	var states []bool
	a.OnStateChange(func(s core.ConnectionState) {
		mu.Lock()
		states = append(states, s.Connected)
		mu.Unlock()
	})

	require.NoError(t, a.Connect(context.Background()))
	tr.Drop(errors.New("network blip"))
	assert.False(t, a.IsConnected())

	assert.Eventually(t, a.IsConnected, 2*time.Second, 10*time.Millisecond)
	assert.True(t, tr.Subscribed(session+"/State"))
	assert.GreaterOrEqual(t, a.State().Reconnects, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, states)
}

func TestWaitForTopic(t *testing.T) {
	a, tr := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))

	time.AfterFunc(30*time.Millisecond, func() {
		tr.Inject(core.Message{Topic: "Accounts/YouTube/acc-1/Info", Payload: []byte(`{"Name":"Parish"}`)})
	})

	msg, err := a.WaitForTopic(context.Background(), "Accounts/+/+/Info", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Accounts/YouTube/acc-1/Info", msg.Topic)

	_, err = a.WaitForTopic(context.Background(), "Accounts/+/+/Info", 50*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrRequestTimeout)
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"Error":"busy"}`, "busy"},
		{`{"message":"bad key"}`, "bad key"},
		{`"plain"`, "plain"},
		{`not json`, "not json"},
		{``, "no reason given"},
	}
	for _, tt := range tests {
		if got := rejectionReason([]byte(tt.payload)); got != tt.want {
			t.Errorf("rejectionReason(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}
