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

package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/approval"
	"github.com/cascadehq/cascade/internal/config"
	"github.com/cascadehq/cascade/internal/dispatch"
	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/publish"
	"github.com/cascadehq/cascade/internal/repository"
	"github.com/cascadehq/cascade/internal/script"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/transform"
	"github.com/cascadehq/cascade/pkg/engine"
)

// runtime bundles the wired engine components behind one CLI invocation.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	store       store.Store
	definitions *repository.Definitions
	instances   *repository.Instances
	approvals   *repository.Approvals
	triggers    *repository.Triggers
	templates   *repository.Templates

	approvalSvc *approval.Service
	engine      *engine.Engine
	dispatcher  *dispatch.Dispatcher

	closers []func() error
}

// newRuntime loads configuration and wires the full component graph.
func newRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), Output: os.Stderr})
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger}

	switch cfg.Store.Backend {
	case "memory":
		rt.store = store.NewMemoryStore()
	default:
		sqliteStore, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Store.Path, WAL: true})
		if err != nil {
			return nil, err
		}
		rt.store = sqliteStore
		rt.closers = append(rt.closers, sqliteStore.Close)
	}

	var publisher publish.Publisher
	if cfg.Publish.Sink == "kafka" {
		kafkaPub, err := publish.NewKafkaPublisher(publish.KafkaConfig{
			Brokers: cfg.Publish.Brokers,
			Topic:   cfg.Publish.Topic,
		}, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		publisher = kafkaPub
		rt.closers = append(rt.closers, kafkaPub.Close)
	} else {
		publisher = publish.NewLogPublisher(logger)
	}

	m := metrics.Nop()

	rt.definitions = repository.NewDefinitions(rt.store, logger)
	rt.instances = repository.NewInstances(rt.store, cfg.Engine.InstanceTTLSeconds, logger)
	rt.approvals = repository.NewApprovals(rt.store, cfg.Approval.TTLSeconds, logger)
	rt.triggers = repository.NewTriggers(rt.store, logger)
	rt.templates = repository.NewTemplates(rt.store, logger)

	rt.approvalSvc = approval.NewService(rt.approvals, publisher, m, logger)

	executor := engine.NewStepExecutor(
		rt.store,
		publisher,
		transform.NewExecutor(time.Duration(cfg.Engine.TransformTimeoutSeconds)*time.Second, 0),
		script.NewExecutor(time.Duration(cfg.Engine.ScriptTimeoutSeconds)*time.Second),
		rt.approvalSvc,
		logger,
	)
	rt.engine = engine.New(rt.definitions, rt.instances, executor, publisher, m, logger,
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithMaxExecution(time.Duration(cfg.Engine.MaxExecutionSeconds)*time.Second),
	)
	rt.approvalSvc.SetResumer(rt.engine)

	rt.dispatcher = dispatch.NewDispatcher(rt.triggers, rt.definitions, rt.instances, rt.engine, rt.engine, m, logger, dispatch.Options{
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
	})
	return rt, nil
}

// Close releases held resources in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
}
