package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dwizi/needloop/internal/adminclient"
	"github.com/dwizi/needloop/internal/config"
)

func newResumeCommand() *cobra.Command {
	var (
		reason     string
		timeoutSec int
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a decision loop paused after authentication failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminclient.New(config.FromEnv())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), boundedTimeout(timeoutSec))
			defer cancel()

			response, err := client.WithTimeout(boundedTimeout(timeoutSec)).Resume(ctx, reason)
			if err != nil {
				return err
			}
			if response.Resumed {
				cmd.Println("Decision loop resumed")
			} else {
				cmd.Println("Decision loop was not paused")
			}
			cmd.Printf("Schedule: %s %s\n", response.Scheduler.Mode, response.Scheduler.Cadence)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cli", "reason recorded in the server log")
	cmd.Flags().IntVar(&timeoutSec, "timeout-sec", 15, "request timeout in seconds")
	return cmd
}
