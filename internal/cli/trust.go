package cli

import (
	"fmt"
	"io"

	"forge/api/internal/scope"
	"forge/api/internal/trust"

	"github.com/spf13/cobra"
)

func newTrustCommand(opts *rootOptions) *cobra.Command {
	var loopID string
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Show or change the auto-approval trust mode",
	}
	cmd.PersistentFlags().StringVar(&loopID, "loop", "", "Loop id (empty means the workspace default)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective trust policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			policy := rt.Service.TrustPolicy(cmd.Context(), loopID)
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), policy)
			}
			printPolicy(cmd.OutOrStdout(), policy)
			return nil
		},
	}

	set := &cobra.Command{
		Use:       "set <require-approval|auto-approve-all>",
		Short:     "Set the trust mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(trust.ModeRequireApproval), string(trust.ModeAutoApproveAll)},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			policy, err := rt.Service.SetTrustMode(cmd.Context(), loopID, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), policy)
			}
			printPolicy(cmd.OutOrStdout(), policy)
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func printPolicy(out io.Writer, policy trust.Policy) {
	fmt.Fprintf(out, "Trust mode:  %s\n", policy.TrustMode)
	fmt.Fprintf(out, "Auto-apply:  %t\n", policy.AutoApplyEnabled)
	if policy.LastAutoApplyAt != "" {
		fmt.Fprintf(out, "Last auto-apply: %s\n", policy.LastAutoApplyAt)
	}
}

func newScopeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Scope guard helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to configure as scope_override_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := scope.HashOverrideToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return cmd
}
