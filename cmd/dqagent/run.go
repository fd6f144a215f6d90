package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	core "github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/spf13/cobra"
)

const defaultGoal = "Analyze missing values in the RIDEBOOKING table and assess data quality"

var errRunFailed = errors.New("run failed")

func runCMD(load configLoader) *cobra.Command {
	var (
		goal   string
		quiet  bool
		report bool
	)
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run one data quality investigation in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				goal = args[0]
			}
			goal = strings.TrimSpace(goal)
			if goal == "" {
				return errors.New("goal is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if cfg.General.RunTimeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, cfg.General.RunTimeout)
				defer cancel()
			}

			in, err := openInfra(ctx, cfg, "dqagent-run")
			if err != nil {
				return err
			}
			defer in.Close()

			var console io.Writer
			if !quiet {
				console = cmd.OutOrStdout()
			}
			idx, err := openIndex(cfg, in)
			if err != nil {
				return err
			}
			eng, err := buildEngine(ctx, in, engineOptions{console: console, index: idx})
			if err != nil {
				return err
			}

			res := eng.orch.RunWithID(ctx, uuid.NewString(), goal)
			printSummary(cmd.OutOrStdout(), res)
			if report {
				fmt.Fprintln(cmd.OutOrStdout(), eng.tele.GetPerformanceReport())
			}
			if !res.Success {
				return fmt.Errorf("%w: %s", errRunFailed, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", defaultGoal, "data quality goal to investigate")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not mirror agent conversations to the console")
	cmd.Flags().BoolVar(&report, "perf", false, "print the telemetry performance report after the run")
	return cmd
}

// printSummary writes the end-of-run banner.
func printSummary(w io.Writer, res core.RunResult) {
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "WORKFLOW SUMMARY")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Run: %s\n", res.ID)
	fmt.Fprintf(w, "Goal: %s\n", res.Goal)
	fmt.Fprintf(w, "Success: %t\n", res.Success)
	for _, p := range core.Phases {
		fmt.Fprintf(w, "  %-14s %s\n", p, res.Phases[p])
	}
	if res.Analysis != nil {
		fmt.Fprintf(w, "\nIssues Found: %d\n", len(res.Analysis.Issues))
		fmt.Fprintf(w, "Recommendations: %d\n", len(res.Analysis.Recommendations))
	}
	if len(res.TaskFailures) > 0 {
		fmt.Fprintf(w, "Failed Tasks: %d\n", len(res.TaskFailures))
	}
	if res.Report != nil {
		fmt.Fprintf(w, "\nFinal Report: Generated (%s)\n", res.ReportPath)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", res.Error)
	}
	if res.Usage.InputTokens+res.Usage.OutputTokens > 0 {
		fmt.Fprintf(w, "Tokens: %d in / %d out, cost $%.4f\n", res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.Cost)
	}
	fmt.Fprintln(w, rule)
}
