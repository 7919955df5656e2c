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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/examples"
	"github.com/your-org/logquery-assistant/internal/query"
	"github.com/your-org/logquery-assistant/internal/search"
)

// CheckReport is the offline verdict on a hand-written or saved query
type CheckReport struct {
	// Original is the verdict on the query as written, before any repair
	Original     query.Verdict   `json:"original"`
	Repaired     bool            `json:"repaired"`
	Verdict      query.Verdict   `json:"verdict"`
	Category     query.Category  `json:"category,omitempty"`
	Applied      []string        `json:"applied,omitempty"`
	Query        string          `json:"query,omitempty"`
	Outcome      *search.Outcome `json:"outcome,omitempty"`
	ParseFailure string          `json:"parse_failure,omitempty"`
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		question string
		execute  bool
	)
	cmd := &cobra.Command{
		Use:   "check <file.json|->",
		Short: "Repair, validate and optimize a query without calling a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			report := checkQuery(raw, question, opts.logger())

			if execute && report.Verdict.Valid {
				outcome, err := executeQuery(cmd, opts, report.Query)
				if err != nil {
					return err
				}
				report.Outcome = outcome
			}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			if !report.Verdict.Valid {
				return fmt.Errorf("query is invalid")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "question the query answers, drives the optimizer")
	cmd.Flags().BoolVar(&execute, "execute", false, "run the optimized query against Elasticsearch")
	return cmd
}

func readInput(stdin io.Reader, name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("reading query: %w", err)
	}
	return string(data), nil
}

// checkQuery runs the same post-generation steps the pipeline applies
func checkQuery(raw, question string, logger *zap.Logger) *CheckReport {
	text := query.StripFences(raw)
	report := &CheckReport{Original: query.ValidateRaw(text)}
	tree, err := query.Parse(text)
	if err != nil {
		report.ParseFailure = err.Error()
		report.Verdict = report.Original
		return report
	}

	repaired := query.RepairStructure(tree)
	report.Repaired = !query.Equal(tree, repaired)
	report.Verdict = query.Validate(repaired)
	if !report.Verdict.Valid {
		return report
	}

	optimized := query.NewOptimizer(logger).Optimize(repaired, question)
	report.Category = optimized.Category
	report.Applied = optimized.Applied
	final, err := optimized.JSON()
	if err != nil {
		report.Verdict = query.Verdict{Issue: err.Error()}
		return report
	}
	report.Query = final
	return report
}

func executeQuery(cmd *cobra.Command, opts *rootOptions, text string) (*search.Outcome, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := opts.logger()
	client, err := search.NewClient(search.ClientConfig{
		URL:                cfg.Elasticsearch.URL,
		APIKey:             cfg.Elasticsearch.APIKey,
		InsecureSkipVerify: cfg.Elasticsearch.InsecureSkipVerify,
		Timeout:            cfg.Elasticsearch.Timeout,
		MaxRetries:         cfg.Elasticsearch.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}
	tree, err := query.Parse(text)
	if err != nil {
		return nil, err
	}
	outcome := search.NewExecutor(client, cfg.Elasticsearch.Index, logger).Execute(cmd.Context(), tree)
	return &outcome, nil
}

func printReport(w io.Writer, r *CheckReport) {
	if r.ParseFailure != "" {
		fmt.Fprintf(w, "Parse error: %s\n", r.ParseFailure)
		return
	}
	if r.Repaired {
		fmt.Fprintln(w, "Structure repaired")
		if !r.Original.Valid {
			fmt.Fprintf(w, "  as written: %s\n", r.Original.Issue)
		}
	}
	if !r.Verdict.Valid {
		fmt.Fprintf(w, "Invalid: %s\n", r.Verdict.Issue)
		return
	}
	fmt.Fprintf(w, "Valid, category %s\n", r.Category)
	if len(r.Applied) > 0 {
		fmt.Fprintf(w, "Rewrites: %s\n", strings.Join(r.Applied, ", "))
	}
	fmt.Fprintf(w, "\n%s\n", r.Query)
	if r.Outcome != nil {
		fmt.Fprintf(w, "\nOutcome: %s (hits %d, total %d)\n", r.Outcome.Kind, r.Outcome.HitCount, r.Outcome.TotalHits)
		if r.Outcome.RawMessage != "" {
			fmt.Fprintln(w, r.Outcome.RawMessage)
		}
	}
}

func newExamplesCmd(opts *rootOptions) *cobra.Command {
	var (
		dir   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "examples [question]",
		Short: "Show the library examples that would be offered for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Pipeline.ExamplesDir
				if limit == 0 {
					limit = cfg.Pipeline.ExampleCap
				}
			}
			library, err := examples.LoadLibrary(dir)
			if library == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			matches := examples.NewMatcher(library, limit, opts.logger()).FindRelevant(strings.Join(args, " "))
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), matches)
			}
			for i, m := range matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. [%.2f] %s\n", i+1, m.TotalScore, m.Example.Question)
			}
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching examples.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "knowledge base directory, defaults to the configured one")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of examples")
	return cmd
}
