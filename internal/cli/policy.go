package cli

import (
	"github.com/spf13/cobra"

	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with policy files",
	}
	cmd.AddCommand(newPolicyValidateCommand())
	cmd.AddCommand(newPolicyDefaultCommand())
	return cmd
}

func newPolicyValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a policy file (defaults to NEEDLOOP_POLICY_FILE)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FromEnv().PolicyFile
			if len(args) == 1 {
				path = args[0]
			}
			loaded, err := policy.Load(path)
			if err != nil {
				return err
			}
			actions, err := catalog.New(loaded)
			if err != nil {
				return err
			}
			if path == "" {
				path = "embedded default"
			}
			cmd.Printf("Policy %s is valid\n", path)
			cmd.Printf("Needs: %d\n", len(loaded.Needs))
			cmd.Printf("Operations: %d\n", len(loaded.Operations))
			cmd.Printf("Actions: %d\n", actions.Len())
			return nil
		},
	}
}

func newPolicyDefaultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the embedded default policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(policy.DefaultDocument())
			return err
		},
	}
}
