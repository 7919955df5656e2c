// Copyright 2024 AI SA Assistant Project
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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/app"
	"github.com/your-org/logquery-assistant/internal/comparison"
	"github.com/your-org/logquery-assistant/internal/pipeline"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question with the chat provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				res := a.Ask(cmd.Context(), session(sessionID), strings.Join(args, " "))
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for follow-up questions")
	return cmd
}

func newCompareCmd(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "compare [question]",
		Short: "Answer a question with every configured provider in parallel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				run := a.Compare(cmd.Context(), session(sessionID), strings.Join(args, " "))
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), run)
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for follow-up questions")
	return cmd
}

func withApp(ctx context.Context, opts *rootOptions, fn func(*app.App) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger()
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close application", zap.Error(err))
		}
	}()
	return fn(a)
}

func session(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintln(w, res.Answer)
	if res.Query != "" {
		fmt.Fprintf(w, "\nQuery:\n%s\n", res.Query)
	}
	fmt.Fprintf(w, "\nStatus: %s  (generation %dms, execution %dms, total %dms)\n",
		res.Status, res.Timings.GenerationMs, res.Timings.ExecutionMs, res.Timings.TotalMs)
}

func printRun(w io.Writer, run *comparison.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tTEMPERATURE\tDURATION")
	for _, id := range run.ProviderIDs() {
		res := run.Providers[id]
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%dms\n", id, res.Status, res.Temperature, res.DurationMs)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nWall clock %dms, serial estimate %dms, saved %dms\n",
		run.TotalWallClockMs, run.EstimatedSerialMs, run.TimeSavedMs)
	for _, id := range run.ProviderIDs() {
		fmt.Fprintf(w, "\n== %s ==\n%s\n", id, run.Providers[id].Answer)
	}
}
