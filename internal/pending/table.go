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

package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/core"
)

// Request is one outstanding correlated request. Reply is buffered so the
// dispatch loop never blocks on a caller that already gave up.
type Request struct {
	CorrelationID string
	TopicPrefix   string
	CreatedAt     time.Time
	Reply         chan core.Message
}

type Table struct {
	mu       sync.Mutex
	requests map[string]*Request
}

func NewTable() *Table {
	return &Table{requests: make(map[string]*Request)}
}

// Add registers a request. Correlation ids are unique; a second Add with the
// same id fails.
func (t *Table) Add(correlationID, topicPrefix string) (*Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.requests[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateRequest, correlationID)
	}

	req := &Request{
		CorrelationID: correlationID,
		TopicPrefix:   topicPrefix,
		CreatedAt:     time.Now(),
		Reply:         make(chan core.Message, 1),
	}
	t.requests[correlationID] = req
	return req, nil
}

// Resolve hands msg to the request with the given id and removes it. It
// reports whether a request was waiting.
func (t *Table) Resolve(correlationID string, msg core.Message) bool {
	t.mu.Lock()
	req, ok := t.requests[correlationID]
	if ok {
		delete(t.requests, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case req.Reply <- msg:
	default:
	}
	return true
}

func (t *Table) Remove(correlationID string) {
	t.mu.Lock()
	delete(t.requests, correlationID)
	t.mu.Unlock()
}

func (t *Table) Lookup(correlationID string) (*Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[correlationID]
	return req, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// PurgeOlderThan drops requests created more than maxAge ago and returns
// how many were removed. Their callers resolve through their own timers.
func (t *Table) PurgeOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	purged := 0
	for id, req := range t.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(t.requests, id)
			purged++
		}
	}
	return purged
}
