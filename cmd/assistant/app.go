// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/AleutianAI/AleutianAssist/pkg/logging"
	"github.com/AleutianAI/AleutianAssist/pkg/resilience"
	"github.com/AleutianAI/AleutianAssist/pkg/tracing"
	"github.com/AleutianAI/AleutianAssist/services/assistant/agent"
	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/AleutianAI/AleutianAssist/services/assistant/router"
	"github.com/AleutianAI/AleutianAssist/services/assistant/toolserver"
	"github.com/AleutianAI/AleutianAssist/services/eval"
	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/redaction"
)

const serviceName = "aleutian-assistant"

// publisherFlushTimeout bounds how long exit waits on queued eval events.
const publisherFlushTimeout = 3 * time.Second

// app holds everything a session needs and releases it on Close.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	dispatcher *agent.Dispatcher
	pool       *toolserver.Pool
	publisher  *eval.QueuePublisher
	metricsSrv *http.Server
	shutdown   tracing.ShutdownFunc
}

// newApp loads configuration and wires the dispatcher.
func newApp(ctx context.Context, path, levelOverride string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if levelOverride != "" {
		cfg.Logging.Level = levelOverride
	}
	level, ok := logging.ParseLevel(cfg.Logging.Level)
	if !ok {
		return nil, fmt.Errorf("%w: unknown log level %q", config.ErrInvalidConfig, cfg.Logging.Level)
	}
	// The console belongs to the conversation when logs go to a file.
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Dir != "",
	})
	log := logger.Slog()

	a := &app{cfg: cfg, logger: logger}
	if a.shutdown, err = tracing.Init(ctx, serviceName, log); err != nil {
		log.Warn("tracing disabled", slog.String("error", err.Error()))
	}

	clients, err := llm.NewClients(ctx, cfg.LLM, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	metrics := observability.Default()
	a.pool = newPool(cfg, metrics, log)
	a.dispatcher = agent.NewDispatcher(agent.DispatcherConfig{
		Rewriter: router.NewLLMRewriter(clients.Router, router.Options{
			Model:         cfg.LLM.RouterModel,
			Timeout:       cfg.LLM.ClassifierTimeout,
			HistoryWindow: cfg.Agent.HistoryWindow,
			Logger:        log,
		}),
		Router: router.NewLLMRouter(clients.Router, router.Options{
			Model:   cfg.LLM.RouterModel,
			Timeout: cfg.LLM.ClassifierTimeout,
			Logger:  log,
		}),
		Tools: agent.NewMasterAgent(clients.Agent, a.pool, agent.MasterOptions{
			MaxIterations:    cfg.Agent.MaxIterations,
			Timeout:          cfg.LLM.Timeout,
			HistoryWindow:    cfg.Agent.HistoryWindow,
			Temperature:      cfg.LLM.Temperature,
			MaxTokens:        cfg.LLM.MaxTokens,
			Servers:          categoryServers(cfg),
			DegradedResponse: cfg.Agent.DegradedResponse,
			ApologyResponse:  cfg.Agent.ApologyResponse,
			Metrics:          metrics,
			Logger:           log,
		}),
		Generative: agent.NewGenerativeAgent(clients.Agent, agent.GenerativeOptions{
			Timeout:            cfg.LLM.Timeout,
			HistoryWindow:      cfg.Agent.HistoryWindow,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
			ApologyResponse:    cfg.Agent.ApologyResponse,
			NotCapableResponse: cfg.Agent.NotCapableResponse,
			Metrics:            metrics,
			Logger:             log,
		}),
		Publisher:       a.newPublisher(log),
		ApologyResponse: cfg.Agent.ApologyResponse,
		Metrics:         metrics,
		Logger:          log,
	})
	return a, nil
}

// newPool builds one MCP connector per configured tool server. Each
// namespace gets its own breaker, reported through metrics.
func newPool(cfg *config.Config, metrics *observability.AssistantMetrics, logger *slog.Logger) *toolserver.Pool {
	connectors := make([]toolserver.Connector, 0, len(cfg.ToolServers))
	var discovery, call time.Duration
	for _, ts := range cfg.ToolServers {
		connectors = append(connectors, toolserver.NewMCPConnector(ts.Name, ts.URL, ts.CallTimeout, logger))
		discovery = max(discovery, ts.DiscoveryTimeout)
		call = max(call, ts.CallTimeout)
	}

	breaker := resilience.DefaultConfig()
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("tool server breaker changed state",
			slog.String("tool_server", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		metrics.BreakerStateChanged(name, from, to)
	}

	return toolserver.NewPool(connectors, toolserver.PoolOptions{
		DiscoveryTimeout: discovery,
		CallTimeout:      call,
		Breaker:          breaker,
		Logger:           logger,
	})
}

func categoryServers(cfg *config.Config) map[router.Category][]string {
	out := make(map[router.Category][]string, len(cfg.CategoryServers))
	for category, servers := range cfg.CategoryServers {
		out[router.ParseCategory(category)] = servers
	}
	return out
}

// newPublisher returns a queue-backed publisher when evaluation is on.
func (a *app) newPublisher(logger *slog.Logger) eval.Publisher {
	if !a.cfg.Eval.Enabled {
		logger.Info("eval publishing disabled")
		return eval.NopPublisher{}
	}
	opts := eval.PublisherOptions{
		Channel:     a.cfg.Eval.Channel,
		Buffer:      a.cfg.Eval.PublishBuffer,
		PushTimeout: a.cfg.Eval.PushTimeout,
		Metrics:     eval.DefaultMetrics(),
		Logger:      logger,
	}
	if a.cfg.Eval.Redact {
		redactor, err := redaction.New(redaction.Options{Logger: logger})
		if err != nil {
			// The rule set is embedded, so this only fails on a bad build.
			logger.Error("redaction unavailable, eval publishing disabled", slog.String("error", err.Error()))
			return eval.NopPublisher{}
		}
		opts.Sanitizer = redactor
	}
	queue := eval.NewHTTPQueue(a.cfg.Eval.ServerURL, &http.Client{
		Timeout: a.cfg.Eval.PushTimeout,
	})
	a.publisher = eval.NewQueuePublisher(queue, opts)
	return a.publisher
}

// serveMetrics exposes the default Prometheus registry on addr.
func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
		}
	}()
}

// Close flushes the publisher and releases connections.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), publisherFlushTimeout)
	defer cancel()

	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			a.logger.Warn("eval events left unpublished", slog.String("error", err.Error()))
		}
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.shutdown != nil {
		a.shutdown(ctx)
	}
	_ = a.logger.Close()
}
