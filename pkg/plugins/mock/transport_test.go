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

package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/core"
)

type inbox struct {
	mu   sync.Mutex
	msgs []core.Message
	lost []error
}

func (i *inbox) handlers() core.TransportHandlers {
	return core.TransportHandlers{
		OnMessage: func(m core.Message) {
			i.mu.Lock()
			i.msgs = append(i.msgs, m)
			i.mu.Unlock()
		},
		OnConnectionLost: func(err error) {
			i.mu.Lock()
			i.lost = append(i.lost, err)
			i.mu.Unlock()
		},
	}
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func TestLoopbackOnlyToSubscribers(t *testing.T) {
	tr := New("device", map[string]string{})
	in := &inbox{}
	ctx := context.Background()
	if err := tr.Connect(ctx, core.ConnectSettings{}, in.handlers()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Subscribe(ctx, "a/+"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = tr.Publish(ctx, "a/b", []byte("1"))
	_ = tr.Publish(ctx, "c/d", []byte("2"))
	if in.count() != 1 {
		t.Fatalf("expected 1 delivered message, got %d", in.count())
	}
	if len(tr.Published("")) != 2 {
		t.Fatalf("expected both publishes recorded")
	}

	_ = tr.Unsubscribe(ctx, "a/+")
	_ = tr.Publish(ctx, "a/b", []byte("3"))
	if in.count() != 1 {
		t.Fatalf("message delivered after unsubscribe")
	}
}

func TestResponderHonoursLatency(t *testing.T) {
	tr := New("device", map[string]string{"latency": "50ms"})
	in := &inbox{}
	ctx := context.Background()
	_ = tr.Connect(ctx, core.ConnectSettings{}, in.handlers())
	_ = tr.Subscribe(ctx, "cmd/+/+")
	tr.Handle("cmd/+", func(req core.Message) []core.Message {
		return []core.Message{Reply(req, "{}")}
	})

	_ = tr.Publish(ctx, "cmd/1", nil)
	if in.count() != 0 {
		t.Fatal("reply delivered before latency elapsed")
	}
	deadline := time.Now().Add(time.Second)
	for in.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.msgs) != 1 || in.msgs[0].Topic != "cmd/1/success" {
		t.Fatalf("expected success reply, got %+v", in.msgs)
	}
}

func TestDropAndFailConnect(t *testing.T) {
	tr := New("device", map[string]string{"fail_connect": "true"})
	in := &inbox{}
	ctx := context.Background()
	if err := tr.Connect(ctx, core.ConnectSettings{}, in.handlers()); err == nil {
		t.Fatal("expected connect failure")
	}

	tr.SetFailConnect(false)
	if err := tr.Connect(ctx, core.ConnectSettings{}, in.handlers()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.Drop(errors.New("gone"))
	in.mu.Lock()
	lost := len(in.lost)
	in.mu.Unlock()
	if tr.IsConnected() || lost != 1 {
		t.Fatalf("expected disconnect with one lost callback, got connected=%v lost=%d", tr.IsConnected(), lost)
	}
	if err := tr.Publish(ctx, "a", nil); err == nil {
		t.Fatal("publish after drop must fail")
	}
	if tr.Connects() != 2 {
		t.Fatalf("expected 2 connect attempts, got %d", tr.Connects())
	}
}
