// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command evalconsumer drains the eval queue of a running eval server,
// grades each event, and stores the results back through its API.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/AleutianAI/AleutianAssist/pkg/logging"
	"github.com/AleutianAI/AleutianAssist/pkg/tracing"
	"github.com/AleutianAI/AleutianAssist/services/eval"
	"github.com/AleutianAI/AleutianAssist/services/evalstore"
)

const serviceName = "aleutian-eval-consumer"

var (
	configPath  string
	serverURL   string
	workers     int
	metricsAddr string

	rootCmd = &cobra.Command{
		Use:          "evalconsumer",
		Short:        "Aleutian Assist eval consumer",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Consume eval events until interrupted",
		Long: `Pops events from the eval server's queue, grades them with the judge
model, and posts the results to the same server. Events are acked only
after they are stored or given up on, so an interrupted consumer leaves
in-flight events to be redelivered.`,
		Args: cobra.NoArgs,
		RunE: runConsumer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default $"+config.EnvConfigPath+" or ~/.aleutian/assist.yaml)")
	runCmd.Flags().StringVar(&serverURL, "server", "", "Eval server URL (default eval.server_url from config)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Concurrent workers (default eval.workers from config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConsumer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Eval.ServerURL = serverURL
	}
	if workers > 0 {
		cfg.Eval.Workers = workers
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	log := logger.Slog()

	shutdown, err := tracing.Init(ctx, serviceName, log)
	if err != nil {
		log.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer shutdown(context.Background())

	judge, err := eval.NewJudgeFromConfig(ctx, cfg, log)
	if err != nil {
		return err
	}
	store := evalstore.NewClient(cfg.Eval.ServerURL, cfg.Eval.StorageTimeout)
	if err := store.Health(ctx); err != nil {
		// Not fatal: store calls are retried per event.
		log.Warn("eval server not healthy yet", slog.String("url", cfg.Eval.ServerURL), slog.String("error", err.Error()))
	}
	queue := eval.NewHTTPQueue(cfg.Eval.ServerURL, nil)

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	log.Info("eval consumer starting",
		slog.String("server", cfg.Eval.ServerURL),
		slog.String("channel", cfg.Eval.Channel),
		slog.Int("workers", cfg.Eval.Workers))
	consumer := eval.NewConsumer(queue, judge, store,
		eval.ConsumerOptionsFromConfig(cfg.Eval, eval.DefaultMetrics(), log))
	return consumer.Run(ctx)
}
