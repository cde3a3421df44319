// SPDX-License-Identifier: MIT

// Command agentd runs the realtime canvas agent core: HTTP dispatch surface,
// durable task queue, worker pool and replay telemetry pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/presenthq/agent-core/internal/config"
	"github.com/presenthq/agent-core/internal/daemon"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/queue"
	"github.com/presenthq/agent-core/internal/telemetry"
	"github.com/presenthq/agent-core/internal/version"
	"github.com/presenthq/agent-core/internal/worker"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if *configPath != "" {
		_ = os.Setenv("AGENT_CONFIG_FILE", *configPath)
	}

	log.Configure(log.Config{
		Level:   config.ParseString("LOG_LEVEL", "info"),
		Service: "agent-core",
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("starting agent core")

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:  version.Version,
		Handlers: builtinHandlers(),
		Telemetry: telemetry.Config{
			Enabled:        config.ParseString("OTEL_EXPORTER_OTLP_ENDPOINT", "") != "",
			ServiceName:    "agent-core",
			ServiceVersion: version.Version,
			Environment:    config.ParseString("AGENT_ENV", "development"),
			ExporterType:   config.ParseString("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
			Endpoint:       config.ParseString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SamplingRate:   1.0,
		},
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.failed").
			Msg("failed to assemble daemon")
	}

	if err := d.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "runtime.failed").
			Msg("daemon exited with error")
	}
}

// builtinHandlers returns the diagnostic handlers every deployment carries.
// Product handlers are registered by the embedding service.
func builtinHandlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"system.ping": worker.HandlerFunc(func(_ context.Context, t *queue.Task, _ *worker.Env) (*worker.Result, error) {
			payload, _ := json.Marshal(map[string]any{
				"pong":    true,
				"room":    t.Room,
				"attempt": t.Attempt,
				"at":      time.Now().UTC().Format(time.RFC3339),
			})
			return &worker.Result{Result: payload}, nil
		}),
	}
}
