package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/dwizi/needloop/internal/app"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/store"
)

var (
	inspectTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	inspectSubtle = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	inspectWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type inspection struct {
	SavedAt time.Time            `json:"saved_at,omitempty"`
	Needs   []inspectNeed        `json:"needs"`
	Windows []ledger.WindowState `json:"windows"`
	Cycles  []store.CycleRun     `json:"cycles"`
}

type inspectNeed struct {
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	DecayRate float64 `json:"decay_rate"`
}

func newInspectCommand() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the saved checkpoint and recent cycles from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			result, err := loadInspection(ctx, config.FromEnv(), limit, time.Now().UTC())
			if err != nil {
				return err
			}
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(result)
			}
			printInspection(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent cycles to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func loadInspection(ctx context.Context, cfg config.Config, limit int, now time.Time) (inspection, error) {
	sqlStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return inspection{}, err
	}
	defer sqlStore.Close()

	var result inspection
	checkpoint, err := sqlStore.LoadCheckpoint(ctx)
	switch {
	case errors.Is(err, store.ErrNoCheckpoint):
	case err != nil:
		return inspection{}, err
	default:
		result.SavedAt = checkpoint.SavedAt
		for _, need := range checkpoint.Needs {
			result.Needs = append(result.Needs, inspectNeed{Kind: string(need.Kind), Value: need.Value, DecayRate: need.DecayRate})
		}
		for _, window := range checkpoint.Windows {
			result.Windows = append(result.Windows, window.At(now))
		}
	}

	result.Cycles, err = sqlStore.ListCycles(ctx, limit)
	if err != nil {
		return inspection{}, err
	}
	return result, nil
}

func printInspection(out io.Writer, result inspection) {
	fmt.Fprintln(out, inspectTitle.Render("Checkpoint"))
	if result.SavedAt.IsZero() {
		fmt.Fprintln(out, inspectSubtle.Render("  none saved"))
	} else {
		fmt.Fprintln(out, inspectSubtle.Render("  saved "+result.SavedAt.Format(time.RFC3339)))
	}
	for _, need := range result.Needs {
		fmt.Fprintf(out, "  %-14s %6.1f  decay %.2f/cycle\n", need.Kind, need.Value, need.DecayRate)
	}

	if len(result.Windows) > 0 {
		fmt.Fprintln(out, inspectTitle.Render("Windows"))
	}
	for _, window := range result.Windows {
		line := fmt.Sprintf("  %-34s %4d/%-4d resets %s",
			window.Key.String(), window.CurrentCount, window.MaxCount, window.ResetsAt().Format(time.RFC3339))
		if window.Headroom() == 0 {
			line = inspectWarn.Render(line)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out, inspectTitle.Render("Recent cycles"))
	if len(result.Cycles) == 0 {
		fmt.Fprintln(out, inspectSubtle.Render("  none recorded"))
	}
	for _, run := range result.Cycles {
		action := strings.TrimSpace(run.Action)
		if action == "" {
			action = "-"
		}
		fmt.Fprintf(out, "  %s  %-12s %-16s %s\n", run.StartedAt.Format(time.RFC3339), run.Outcome, action, run.Status)
	}
}
