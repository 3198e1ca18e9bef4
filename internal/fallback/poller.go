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

// Package fallback reads the encoder's HTTP status page when the bus is
// down and maps it onto the same status shape the bus path produces.
package fallback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/internal/metrics"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultCacheTTL = time.Second
	maxBody         = 1 << 20
)

// phrases are checked in order; the first hit wins. The page text is vendor
// UI copy, so this is best effort.
var phrases = []struct {
	needle string
	state  core.LifecycleState
}{
	{"LIVE", core.StateLive},
	{"Broadcasting", core.StateLive},
	{"Ready", core.StateReady},
	{"Standby", core.StateReady},
}

// Classify maps status page text to a lifecycle state.
func Classify(body string) core.LifecycleState {
	for _, p := range phrases {
		if strings.Contains(body, p.needle) {
			return p.state
		}
	}
	return core.StateUnknown
}

// URLSource yields the status page URL. It is read on every fetch so a
// reloaded config takes effect without a restart.
type URLSource interface {
	StatusURL() string
}

// StaticURL is a URLSource that never changes.
type StaticURL string

func (u StaticURL) StatusURL() string { return string(u) }

type Poller struct {
	source  URLSource
	client  *http.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cached    core.StreamingStatus
	cachedAt  time.Time
	cachedURL string
}

func NewPoller(source URLSource, timeout, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Poller{
		source:  source,
		client:  &http.Client{Timeout: timeout},
		ttl:     ttl,
		logger:  logger.With("component", "fallback"),
		metrics: m,
	}
}

// Poll returns the degraded status. Failures are reported inside the status
// (State Unknown, Error set) as well as through err.
func (p *Poller) Poll(ctx context.Context) (core.StreamingStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	url := p.source.StatusURL()
	if !p.cachedAt.IsZero() && url == p.cachedURL && time.Since(p.cachedAt) < p.ttl {
		p.metrics.IncFallbackPolls("cached")
		return p.cached, nil
	}

	st, err := p.fetch(ctx, url)
	if err != nil {
		p.metrics.IncFallbackPolls("error")
		p.logger.Warn("status page poll failed", "url", url, "error", err)
		st = core.NewStreamingStatus(core.StatusSnapshot{State: core.StateUnknown, UpdatedAt: time.Now().UTC()}, false, core.SourceHTTP)
		st.Error = err.Error()
	} else {
		p.metrics.IncFallbackPolls(string(st.State))
	}

	p.cached = st
	p.cachedAt = time.Now()
	p.cachedURL = url
	return st, err
}

func (p *Poller) fetch(ctx context.Context, url string) (core.StreamingStatus, error) {
	if url == "" {
		return core.StreamingStatus{}, fmt.Errorf("no status url configured: %w", core.ErrConnection)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.StreamingStatus{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return core.StreamingStatus{}, fmt.Errorf("%w: %v", core.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.StreamingStatus{}, fmt.Errorf("%w: status page returned %d", core.ErrConnection, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return core.StreamingStatus{}, fmt.Errorf("read status page: %w", err)
	}

	snap := core.StatusSnapshot{
		State:     Classify(string(body)),
		UpdatedAt: time.Now().UTC(),
	}
	// The bus session is down even though the device answered over HTTP.
	return core.NewStreamingStatus(snap, false, core.SourceHTTP), nil
}

// Reset drops the cached result, e.g. after the bus comes back.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.cachedAt = time.Time{}
	p.mu.Unlock()
}
