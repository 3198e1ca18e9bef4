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

// Package api exposes the lifecycle operations over HTTP with go-chi.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

const maxBody = 64 << 10

// Operations is the controller surface the handler drives.
type Operations interface {
	GetStatus(ctx context.Context) core.Result
	GetStreamingStatus(ctx context.Context) core.Result
	StartStreaming(ctx context.Context) core.Result
	StopStreaming(ctx context.Context) core.Result
	StartPreview(ctx context.Context) core.Result
	EndPreview(ctx context.Context) core.Result
	GoLive(ctx context.Context) core.Result
	CompleteBroadcast(ctx context.Context) core.Result
	GetDestinations(ctx context.Context) core.Result
	SetDestination(ctx context.Context, id string) core.Result
	GetBroadcasts(ctx context.Context) core.Result
	RefreshBroadcasts(ctx context.Context, accountID string) core.Result
	SelectBroadcast(ctx context.Context, id string) core.Result
	UpdateSettings(ctx context.Context, scope string, fields map[string]any) core.Result
}

type Handler struct {
	ops     Operations
	hub     *Hub
	metrics http.Handler
	log     *slog.Logger
}

// NewHandler wires ops and the status hub. metrics may be nil to leave
// /metrics unrouted.
func NewHandler(ops Operations, hub *Hub, metrics http.Handler, log *slog.Logger) *Handler {
	return &Handler{ops: ops, hub: hub, metrics: metrics, log: log.With("component", "api")}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestLogger(h.log))
	r.Get("/healthz", h.Healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	if h.hub != nil {
		r.Get("/ws/status", h.hub.ServeWS)
	}

	r.Route("/api/encoder", func(r chi.Router) {
		r.Get("/status", h.simple(h.ops.GetStatus))
		r.Get("/streaming", h.simple(h.ops.GetStreamingStatus))

		r.Post("/stream/start", h.simple(h.ops.StartStreaming))
		r.Post("/stream/stop", h.simple(h.ops.StopStreaming))
		r.Post("/preview/start", h.simple(h.ops.StartPreview))
		r.Post("/preview/end", h.simple(h.ops.EndPreview))
		r.Post("/golive", h.simple(h.ops.GoLive))
		r.Post("/complete", h.simple(h.ops.CompleteBroadcast))

		r.Get("/destinations", h.simple(h.ops.GetDestinations))
		r.Put("/destinations/{id}", h.SetDestination)

		r.Get("/broadcasts", h.simple(h.ops.GetBroadcasts))
		r.Post("/broadcasts/refresh", h.RefreshBroadcasts)
		r.Put("/broadcasts/{id}/select", h.SelectBroadcast)

		r.Patch("/settings", h.UpdateSettings)
		r.Patch("/settings/*", h.UpdateSettings)

		if h.hub != nil {
			r.Get("/events", h.hub.ServeSSE)
		}
	})
	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) simple(op func(context.Context) core.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.write(w, r, op(r.Context()))
	}
}

// SetDestination handles PUT /api/encoder/destinations/{id}.
func (h *Handler) SetDestination(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.ops.SetDestination(r.Context(), chi.URLParam(r, "id")))
}

// RefreshBroadcasts handles POST /api/encoder/broadcasts/refresh?account=.
func (h *Handler) RefreshBroadcasts(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.ops.RefreshBroadcasts(r.Context(), r.URL.Query().Get("account")))
}

// SelectBroadcast handles PUT /api/encoder/broadcasts/{id}/select.
func (h *Handler) SelectBroadcast(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.ops.SelectBroadcast(r.Context(), chi.URLParam(r, "id")))
}

// UpdateSettings handles PATCH /api/encoder/settings/{scope...}. The body is
// a JSON object of fields.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&fields); err != nil {
		h.log.Debug("invalid settings body", "error", err)
		h.write(w, r, core.Result{Success: false, Error: "body must be a JSON object", Reason: core.ReasonInvalidInput})
		return
	}
	scope := strings.Trim(chi.URLParam(r, "*"), "/")
	h.write(w, r, h.ops.UpdateSettings(r.Context(), scope, fields))
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, res core.Result) {
	code := StatusCode(res)
	if code >= http.StatusInternalServerError {
		h.log.Warn("operation failed", "method", r.Method, "path", r.URL.Path, "reason", res.Reason, "error", res.Error)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Error("encode response failed", "error", err)
	}
}

// StatusCode maps a result to its HTTP status.
func StatusCode(res core.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Reason {
	case core.ReasonInvalidInput, core.ReasonMissingAccount:
		return http.StatusBadRequest
	case core.ReasonInvalidState:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
