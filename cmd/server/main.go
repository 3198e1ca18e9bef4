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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ptzhub/encoder-hub/internal/api"
	"github.com/ptzhub/encoder-hub/internal/broadcast"
	"github.com/ptzhub/encoder-hub/internal/bus"
	"github.com/ptzhub/encoder-hub/internal/fallback"
	"github.com/ptzhub/encoder-hub/internal/lifecycle"
	"github.com/ptzhub/encoder-hub/internal/logging"
	"github.com/ptzhub/encoder-hub/internal/metrics"
	"github.com/ptzhub/encoder-hub/internal/status"
	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/config"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"github.com/ptzhub/encoder-hub/pkg/plugins"
)

func main() {
	_ = config.LoadDotEnv()

	configPath := config.GetEnv("CONFIG_PATH", "/etc/encoder-hub/config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	m := metrics.New()

	ns := topics.Namespace{Session: cfg.Encoder.SessionPath}
	settings := config.NewStore(cfg.Encoder)

	transport, err := plugins.NewTransport(cfg.Encoder.Transport, logger.With("component", "transport"))
	if err != nil {
		logger.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	adapter := bus.NewAdapter(transport, settings, bus.Options{
		RequestTimeout:    cfg.Encoder.RequestTimeout,
		ReconnectInterval: cfg.Encoder.ReconnectInterval,
		Subscriptions:     ns.Subscriptions(),
	}, logger.With("component", "bus"), logging.NewMessageLogger(logger.With("component", "message")), m)

	aggregator := status.NewAggregator(ns, logger, m)

	store, err := broadcast.NewStore(cfg.Broadcast)
	if err != nil {
		logger.Error("failed to open broadcast store", "store", cfg.Broadcast.Store, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cache := broadcast.NewCache(ns, adapter, aggregator, store, broadcast.Options{
		Provider:       cfg.Encoder.Provider,
		Settle:         cfg.Encoder.RefreshSettle,
		AccountWait:    cfg.Encoder.AccountWait,
		RequestTimeout: cfg.Encoder.RequestTimeout,
	}, logger, m)

	poller := fallback.NewPoller(settings, cfg.Encoder.FallbackTimeout, cfg.Encoder.FallbackCacheTTL, logger, m)

	controller := lifecycle.NewController(ns, adapter, aggregator, cache, poller, lifecycle.Options{
		RequestTimeout: cfg.Encoder.RequestTimeout,
	}, logger)

	adapter.AddProcessor(aggregator)
	adapter.AddProcessor(cache)

	registry := plugins.NewRegistry(logger.With("component", "sinks"))
	registerSinks(cfg, registry, logger)

	hub := api.NewHub(controller, cfg.HTTP.StatusInterval, logger)
	publish := func(evt core.StatusEvent) {
		registry.Publish(evt)
		hub.Notify(evt)
	}
	aggregator.OnChange(publish)
	controller.OnDegradedChange(publish)
	adapter.OnStateChange(func(st core.ConnectionState) {
		if st.Connected {
			poller.Reset()
		}
		hub.Notify(core.StatusEvent{Kind: core.EventStateChanged, Snapshot: aggregator.Snapshot(), Timestamp: time.Now().UTC()})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cache.Warm(ctx); err != nil {
		logger.Warn("broadcast cache warm-up failed", "error", err)
	}
	if n := registry.ConnectSinks(ctx); n < len(cfg.Sinks) {
		logger.Warn("some sinks failed to connect", "connected", n, "configured", len(cfg.Sinks))
	}
	go registry.Run(ctx)
	go adapter.Run(ctx)

	// The first connect is best effort; Run keeps retrying and operations
	// fall back to the status page meanwhile.
	if err := adapter.Connect(ctx); err != nil {
		logger.Warn("initial encoder connect failed", "broker", cfg.Encoder.BrokerURL, "error", err)
	}

	watcher := config.NewWatcher(configPath, settings, adapter, logger.With("component", "config"))
	go watcher.Watch(ctx)

	handler := api.NewHandler(controller, hub, m.Handler(func() { m.SetPending(adapter.PendingCount()) }), logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("encoder hub started", "config", configPath, "session", ns.Session, "transport", transport.Type())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info("shutting down encoder hub")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	cancel()
	controller.Wait()
	if err := adapter.Close(shutdownCtx); err != nil {
		logger.Warn("bus close failed", "error", err)
	}
	registry.DisconnectAll(shutdownCtx)

	logger.Info("encoder hub stopped")
}

func registerSinks(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) {
	for _, sc := range cfg.Sinks {
		sink, err := plugins.NewSink(sc, logger.With("sink", sc.Name))
		if err != nil {
			logger.Warn("skipping sink", "name", sc.Name, "type", sc.Type, "error", err)
			continue
		}
		reg.RegisterSink(sink)
	}
}
