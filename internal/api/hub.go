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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

const (
	writeWait    = 5 * time.Second
	clientBuffer = 16
)

// StatusReader produces the payload pushed to websocket clients.
type StatusReader interface {
	GetStreamingStatus(ctx context.Context) core.Result
}

// Hub pushes the streaming status to websocket clients whenever a status
// event arrives and at least once per interval.
type Hub struct {
	status   StatusReader
	interval time.Duration
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]chan core.StatusEvent
}

func NewHub(status StatusReader, interval time.Duration, logger *slog.Logger) *Hub {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Hub{
		status:   status,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "ws"),
		clients: make(map[string]chan core.StatusEvent),
	}
}

// Notify wakes every client. Slow clients miss the event and catch up on
// the next tick.
func (h *Hub) Notify(evt core.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}

	id, events := h.register()
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.unregister(id)
		conn.Close()
		h.logger.Info("ws client disconnected", "client_id", id)
	}()
	h.logger.Info("ws client connected", "client_id", id)

	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, id, events)
}

// ServeSSE streams raw status events as server-sent events. Unlike the
// websocket it sends nothing until an event happens.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, events := h.register()
	defer h.unregister(id)
	h.logger.Info("sse client connected", "client_id", id)

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("sse client disconnected", "client_id", id)
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("marshal sse event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, data)
			flusher.Flush()
		}
	}
}

func (h *Hub) register() (string, chan core.StatusEvent) {
	id := uuid.NewString()
	ch := make(chan core.StatusEvent, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// readLoop discards client frames and cancels ctx once the peer goes away.
func (h *Hub) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, id string, events <-chan core.StatusEvent) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if !h.push(ctx, conn, id) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		case <-ticker.C:
		}
		if !h.push(ctx, conn, id) {
			return
		}
	}
}

func (h *Hub) push(ctx context.Context, conn *websocket.Conn, id string) bool {
	res := h.status.GetStreamingStatus(ctx)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(res); err != nil {
		h.logger.Debug("ws write failed", "client_id", id, "error", err)
		return false
	}
	return true
}
