// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command evalserver stores graded eval results and hosts the eval queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/AleutianAI/AleutianAssist/pkg/logging"
	"github.com/AleutianAI/AleutianAssist/pkg/tracing"
	"github.com/AleutianAI/AleutianAssist/pkg/ux"
	"github.com/AleutianAI/AleutianAssist/services/eval"
	"github.com/AleutianAI/AleutianAssist/services/evalstore"
	storage "github.com/AleutianAI/AleutianAssist/services/storage/badger"
)

var (
	configPath string
	addr       string
	consume    bool

	rootCmd = &cobra.Command{
		Use:          "evalserver",
		Short:        "Aleutian Assist eval storage service",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the eval API and queue",
		Long: `Serves POST/GET /evals, /stats, /health and /metrics backed by SQLite,
plus the /queues endpoints backed by a persistent Badger queue. With
--consume the eval consumer runs in the same process and writes
straight to the database.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate statistics from a running server",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default $"+config.EnvConfigPath+" or ~/.aleutian/assist.yaml)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr from config)")
	serveCmd.Flags().BoolVar(&consume, "consume", false, "Also run the eval consumer in this process")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: evalstore.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	logger := newLogger(cfg)
	defer logger.Close()
	log := logger.Slog()

	shutdown, err := tracing.Init(ctx, evalstore.ServiceName, log)
	if err != nil {
		log.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer shutdown(context.Background())

	store, err := evalstore.Open(ctx, config.ExpandPath(cfg.Server.DBPath), log)
	if err != nil {
		return err
	}
	defer store.Close()

	dbCfg := storage.DefaultConfig(config.ExpandPath(cfg.Server.QueueDir))
	dbCfg.Logger = log
	db, err := storage.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, err := eval.NewBadgerQueue(db, eval.BadgerQueueOptions{Lease: cfg.Eval.Lease, Logger: log})
	if err != nil {
		return err
	}
	defer queue.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := eval.NewMetrics(reg)

	gin.SetMode(gin.ReleaseMode)
	srv := evalstore.NewServer(evalstore.ServerConfig{
		Store:    store,
		Queue:    queue,
		Registry: reg,
		Logger:   log,
	})

	var consumer *eval.Consumer
	if consume || cfg.Server.Consume {
		judge, err := eval.NewJudgeFromConfig(ctx, cfg, log)
		if err != nil {
			return err
		}
		consumer = eval.NewConsumer(queue, judge, store, eval.ConsumerOptionsFromConfig(cfg.Eval, metrics, log))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, addr) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
		log.Info("embedded consumer started", slog.Int("workers", cfg.Eval.Workers))
	}

	return g.Wait()
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Eval.StorageTimeout)
	defer cancel()

	st, err := evalstore.NewClient(cfg.Eval.ServerURL, cfg.Eval.StorageTimeout).Stats(ctx)
	if err != nil {
		return err
	}

	p := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectLevel("", os.Stdout))
	p.Title("Eval statistics")
	p.KeyValue("total_results", fmt.Sprint(st.TotalResults))
	p.KeyValue("average_score", fmt.Sprintf("%.3f", st.AverageScore))
	for _, status := range sortedKeys(st.ByStatus) {
		p.KeyValue("status."+status, fmt.Sprint(st.ByStatus[status]))
	}
	categories := make([]string, 0, len(st.ByCategory))
	for c := range st.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		cs := st.ByCategory[c]
		p.KeyValue("category."+c, fmt.Sprintf("count=%d avg_score=%.3f", cs.Count, cs.AverageScore))
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
