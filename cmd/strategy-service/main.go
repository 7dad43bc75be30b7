/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// strategy-service runs the snapshot-keyed generation pipeline: HTTP
// admission, the three provider runners, notification-driven consolidation,
// and the SSE event fan-out.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/internal/config"
	"github.com/melodydashora/vecto-pilot/internal/database"
	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
	"github.com/melodydashora/vecto-pilot/pkg/blocks"
	"github.com/melodydashora/vecto-pilot/pkg/cache"
	"github.com/melodydashora/vecto-pilot/pkg/events"
	"github.com/melodydashora/vecto-pilot/pkg/metrics"
	"github.com/melodydashora/vecto-pilot/pkg/snapshot"
	"github.com/melodydashora/vecto-pilot/pkg/strategy"
	"github.com/melodydashora/vecto-pilot/pkg/strategy/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()

	logger := logrus.New()

	if err := run(*configPath, logger); err != nil {
		logger.WithError(err).Fatal("strategy-service exited")
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	configureLogger(logger, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectURL(cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	dispatcher, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return err
	}
	client := recorder.InstrumentLLM(dispatcher)

	snapshots := snapshot.NewRepository(db, logger)
	store := strategy.NewRepository(db, logger)

	runner := strategy.NewRunner(client, snapshots, store, logger)
	consolidator := strategy.NewConsolidator(client, store, logger)
	orchestrator := strategy.NewOrchestrator(runner, store, snapshots, logger)

	broker := events.NewBroker(logger)

	pool := blocks.NewPool(cfg.Blocks.Concurrency, time.Duration(cfg.Blocks.TimeoutMS)*time.Millisecond, logger)
	pool.Start(ctx)

	blocksRepo := blocks.NewRepository(db, logger)
	generator := blocks.NewGenerator(client, store, blocksRepo, pool, logger)

	listener, err := newListener(cfg, store, consolidator, generator, broker, recorder, logger)
	if err != nil {
		return err
	}
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Close()
	if err := listener.WaitReady(); err != nil {
		return err
	}

	idempotency, closeCache, err := newIdempotencyCache(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	srv := server.New(server.Config{
		Port:               cfg.Server.Port,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		ReadTimeout:        cfg.Server.ReadTimeout.Std(),
		Pipeline:           orchestrator,
		Store:              store,
		Broker:             broker,
		Idempotency:        idempotency,
		Recorder:           recorder,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ListenerReady:      listener.Connected,
		Logger:             logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("strategy-service shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown error")
	}

	orchestrator.Wait()
	return nil
}

// newListener wires the change-notification subscriber: every message fans
// out to the SSE broker, and the strategy channels drive consolidation. On
// every (re)connect the catch-up sweep replays pending rows.
func newListener(cfg *config.Config, store strategy.Store, consolidator *strategy.Consolidator,
	generator *blocks.Generator, broker *events.Broker, recorder *metrics.Recorder,
	logger *logrus.Logger) (*events.Listener, error) {

	listenerURL := cfg.Database.ListenerURL
	if listenerURL == "" {
		listenerURL = cfg.Database.URL
	}

	handler := func(channel, payload string) {
		broker.Publish(channel, payload)

		parsed, err := events.ParsePayload(payload)
		if err != nil {
			logger.WithError(err).WithField("channel", channel).Warn("Dropping notification")
			return
		}

		switch channel {
		case events.ChannelStrategyProgress:
			// Off the dispatch loop so a slow consolidation never delays
			// later notifications.
			go func(snapshotID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := consolidator.MaybeConsolidate(ctx, snapshotID); err != nil {
					logger.WithError(err).WithField("snapshot_id", snapshotID).
						Error("Consolidation attempt failed")
				}
			}(parsed.SnapshotID)

		case events.ChannelStrategyReady:
			// The consolidated strategy is available: kick the downstream
			// venue generation through the bounded pool.
			go func(snapshotID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := consolidator.MaybeConsolidate(ctx, snapshotID); err != nil {
					logger.WithError(err).WithField("snapshot_id", snapshotID).
						Error("Consolidation attempt failed")
				}
				if _, err := generator.Generate(ctx, snapshotID); err != nil {
					logger.WithError(err).WithField("snapshot_id", snapshotID).
						Warn("Venue generation failed")
				}
			}(parsed.SnapshotID)
		}
	}

	listener, err := events.NewListener(listenerURL,
		[]string{events.ChannelStrategyProgress, events.ChannelStrategyReady, events.ChannelBlocksReady},
		handler, logger)
	if err != nil {
		return nil, err
	}

	listener.OnConnected = func(ctx context.Context) {
		recorder.ListenerReconnects.Inc()

		sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		pending, err := store.PendingSnapshotIDs(sweepCtx)
		if err != nil {
			logger.WithError(err).Warn("Catch-up sweep query failed")
			return
		}
		for _, id := range pending {
			if err := consolidator.MaybeConsolidate(sweepCtx, id); err != nil {
				logger.WithError(err).WithField("snapshot_id", id).Warn("Catch-up consolidation failed")
			}
		}
		if len(pending) > 0 {
			logger.WithField("count", len(pending)).Info("Catch-up sweep complete")
		}
	}
	listener.OnFatal = func(err error) {
		// Event-driven consolidation is lost until restart; direct HTTP
		// calls keep working.
		logger.WithError(err).Error("Notification listener permanently down")
	}

	return listener, nil
}

func newIdempotencyCache(cfg config.CacheConfig, logger *logrus.Logger) (cache.IdempotencyCache, func(), error) {
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.IdempotencyTTL.Std())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Idempotency cache: redis")
		return redisCache, func() { _ = redisCache.Close() }, nil
	}
	logger.Info("Idempotency cache: in-process memory")
	return cache.NewMemoryCache(cfg.IdempotencyTTL.Std()), func() {}, nil
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
