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
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAssist/pkg/config"
	"github.com/AleutianAI/AleutianAssist/pkg/ux"
)

var (
	configPath       string
	personalityLevel string
	logLevel         string
	metricsAddr      string

	rootCmd = &cobra.Command{
		Use:   "assistant",
		Short: "Talk to the Aleutian personal assistant",
		Long: `Starts an interactive session. Each line is rewritten, routed to a
category, and answered by a tool-calling agent (mail, calendar,
expense_tracker) or a generative agent (resume, anything else).

Session commands: history, clear, state, exit, quit.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runSession,
	}

	askCmd = &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a single query and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			ux.NewPrinter(cmd.OutOrStdout(), ux.DetectLevel(personalityLevel, os.Stdout)).
				Success(fmt.Sprintf("wrote %s", config.ExpandPath(path)))
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default $"+config.EnvConfigPath+" or ~/.aleutian/assist.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, minimal, or machine (default: detect from the terminal)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address while the session runs (e.g. :9464)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func runSession(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer app.Close()
	if metricsAddr != "" {
		app.serveMetrics(metricsAddr)
	}

	printer := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectLevel(personalityLevel, os.Stdout))
	session := NewSession(app.dispatcher, printer)
	return session.Run(ctx, cmd.InOrStdin())
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer app.Close()

	printer := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectLevel(personalityLevel, os.Stdout))
	NewSession(app.dispatcher, printer).Ask(ctx, strings.Join(args, " "))
	return nil
}
