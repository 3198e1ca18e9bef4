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

package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Reconnector is told to re-open the bus session after connection settings
// changed on disk.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

type Watcher struct {
	path     string
	store    *Store
	target   Reconnector
	interval time.Duration
	logger   *slog.Logger
	lastMod  time.Time
}

func NewWatcher(path string, store *Store, target Reconnector, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		store:    store,
		target:   target,
		interval: 5 * time.Second,
		logger:   logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return
	}

	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	cfg.ApplyEnv()

	if !w.store.Update(cfg.Encoder) {
		w.logger.Info("config reloaded, connection settings unchanged")
		return
	}

	w.logger.Info("encoder settings changed, reconnecting", "broker", cfg.Encoder.BrokerURL)
	if w.target == nil {
		return
	}
	if err := w.target.Reconnect(ctx); err != nil {
		w.logger.Warn("reconnect after config change failed", "error", err)
	}
}
