// Copyright 2025 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cascaded is the long-running engine daemon: it resumes timer
// waits, sweeps expired approvals, and serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascadehq/cascade/internal/approval"
	"github.com/cascadehq/cascade/internal/config"
	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/publish"
	"github.com/cascadehq/cascade/internal/repository"
	"github.com/cascadehq/cascade/internal/script"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/transform"
	"github.com/cascadehq/cascade/pkg/engine"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the configuration file")
		storePath   = flag.String("store", "", "SQLite database path override")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cascaded %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var st store.Store
	switch cfg.Store.Backend {
	case "memory":
		st = store.NewMemoryStore()
	default:
		sqliteStore, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Store.Path, WAL: true})
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		st = sqliteStore
	}

	var publisher publish.Publisher
	if cfg.Publish.Sink == "kafka" {
		kafkaPub, err := publish.NewKafkaPublisher(publish.KafkaConfig{
			Brokers: cfg.Publish.Brokers,
			Topic:   cfg.Publish.Topic,
		}, logger)
		if err != nil {
			return err
		}
		defer kafkaPub.Close()
		publisher = kafkaPub
	} else {
		publisher = publish.NewLogPublisher(logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	definitions := repository.NewDefinitions(st, logger)
	instances := repository.NewInstances(st, cfg.Engine.InstanceTTLSeconds, logger)
	approvals := repository.NewApprovals(st, cfg.Approval.TTLSeconds, logger)

	approvalSvc := approval.NewService(approvals, publisher, m, logger)
	executor := engine.NewStepExecutor(
		st,
		publisher,
		transform.NewExecutor(time.Duration(cfg.Engine.TransformTimeoutSeconds)*time.Second, 0),
		script.NewExecutor(time.Duration(cfg.Engine.ScriptTimeoutSeconds)*time.Second),
		approvalSvc,
		logger,
	)
	eng := engine.New(definitions, instances, executor, publisher, m, logger,
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithMaxExecution(time.Duration(cfg.Engine.MaxExecutionSeconds)*time.Second),
	)
	approvalSvc.SetResumer(eng)

	var wg sync.WaitGroup

	var metricsServer *http.Server
	if cfg.MetricsEnabled() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("metrics listener started", "listen", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		resumeLoop(ctx, cfg.Engine.ResumePollInterval, instances, eng, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepLoop(ctx, cfg.Approval.SweepInterval, approvalSvc, logger)
	}()

	logger.Info("cascaded started",
		"version", version,
		"store_backend", cfg.Store.Backend,
		"publish_sink", cfg.Publish.Sink,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	wg.Wait()
	return nil
}

// resumeLoop wakes waiting instances whose resumeAt has passed: elapsed
// timer waits and long delays parked by the engine.
func resumeLoop(ctx context.Context, interval time.Duration, instances *repository.Instances, eng *engine.Engine, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := instances.ListResumable(ctx, time.Now(), 100)
		if err != nil {
			logger.Error("resume scan failed", "error", err)
			continue
		}
		for _, inst := range due {
			if err := eng.Resume(ctx, inst.ID, map[string]any{"timerElapsed": true}); err != nil {
				logger.Error("timer resume failed",
					"instance_id", inst.ID,
					"error", err,
				)
			}
		}
	}
}

// sweepLoop finalizes approval requests whose deadline passed.
func sweepLoop(ctx context.Context, interval time.Duration, svc *approval.Service, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		expired, err := svc.ExpireSweep(ctx)
		if err != nil {
			logger.Error("approval sweep failed", "error", err)
			continue
		}
		if expired > 0 {
			logger.Info("expired approvals finalized", "count", expired)
		}
	}
}
