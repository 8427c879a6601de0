package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwizi/needloop/internal/adminclient"
	"github.com/dwizi/needloop/internal/app"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/loop"
)

func newCycleCommand(logger *slog.Logger) *cobra.Command {
	var (
		remote     bool
		asJSON     bool
		timeoutSec int
	)
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one decision cycle now",
		Long: "Run one decision cycle against the local store, or with --remote ask a " +
			"running server to run one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, boundedTimeout(timeoutSec))
			defer cancelTimeout()

			var (
				report loop.Report
				err    error
			)
			if remote {
				client, clientErr := adminclient.New(cfg)
				if clientErr != nil {
					return clientErr
				}
				report, err = client.WithTimeout(boundedTimeout(timeoutSec)).RunCycle(ctx)
			} else {
				report, err = app.RunOnce(ctx, cfg, logger)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeReportJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the server at NEEDLOOP_API_URL to run the cycle")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full cycle report as JSON")
	cmd.Flags().IntVar(&timeoutSec, "timeout-sec", 120, "cycle timeout in seconds")
	return cmd
}

func writeReportJSON(out io.Writer, report loop.Report) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func printReport(out io.Writer, report loop.Report) {
	fmt.Fprintf(out, "Cycle: %s\n", report.ID)
	fmt.Fprintf(out, "Outcome: %s\n", report.Outcome)
	fmt.Fprintf(out, "Status: %s\n", report.Status)
	fmt.Fprintf(out, "Duration: %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, candidate := range report.Candidates {
		mark := " "
		if candidate.Admissible {
			mark = "*"
		}
		fmt.Fprintf(out, "  %s %-20s utility %7.2f headroom %d\n", mark, candidate.Action, candidate.Utility, candidate.Headroom)
	}
	for _, execution := range report.Executions {
		result := "ok"
		if !execution.Succeeded {
			result = "failed: " + execution.Error
		}
		fmt.Fprintf(out, "Executed %s (%s) via %s: %s\n", execution.Action, execution.Operation, execution.Plugin, result)
	}
}

func boundedTimeout(timeoutSec int) time.Duration {
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	if timeoutSec > 600 {
		timeoutSec = 600
	}
	return time.Duration(timeoutSec) * time.Second
}
