package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"forge/api/internal/app"
	"forge/api/internal/proposal"
	"forge/api/internal/review"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newProposalsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposals",
		Aliases: []string{"p"},
		Short:   "List, inspect and resolve proposals",
	}
	cmd.AddCommand(
		newProposalsListCommand(opts),
		newProposalsShowCommand(opts),
		newProposalsApplyCommand(opts),
		newProposalsTransitionCommand(opts, "reject", proposal.StatusRejected),
		newProposalsTransitionCommand(opts, "fail", proposal.StatusFailed),
	)
	return cmd
}

func newProposalsListCommand(opts *rootOptions) *cobra.Command {
	var in app.ListProposalsInput
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		Long: `List proposals, newest first.

Examples:
  # Pending proposals for one loop
  forgectl proposals list --loop loop-1 --status pending

  # The ten most recent proposals
  forgectl proposals list --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			items, err := rt.Service.ListProposals(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("failed to list proposals: %w", err)
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			return printProposalTable(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&in.LoopID, "loop", "", "Filter by loop id")
	cmd.Flags().StringVar(&in.Status, "status", "", "Filter by status (pending, applied, rejected, failed)")
	cmd.Flags().IntVar(&in.Limit, "limit", 50, "Maximum number of proposals to show")
	return cmd
}

func printProposalTable(out io.Writer, items []proposal.Proposal) error {
	if len(items) == 0 {
		fmt.Fprintln(out, "No proposals found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tSTATUS\tLOOP\tKIND\tCREATED\tSUMMARY\n")
	for _, p := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, statusLabel(p.Status), p.LoopID, p.Kind, p.CreatedAt, truncate(p.Summary, 50))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d\n", len(items))
	return nil
}

func newProposalsShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one proposal with its diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.Service.GetProposal(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("proposal %s: %w", args[0], err)
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), p)
			}

			out := cmd.OutOrStdout()
			color.New(color.FgYellow).Fprintf(out, "proposal %s\n", p.ID)
			fmt.Fprintf(out, "Status:  %s\n", statusLabel(p.Status))
			fmt.Fprintf(out, "Kind:    %s\n", p.Kind)
			fmt.Fprintf(out, "Loop:    %s\n", p.LoopID)
			fmt.Fprintf(out, "Target:  %s\n", p.AssistantTarget)
			fmt.Fprintf(out, "Created: %s\n", p.CreatedAt)
			if p.ResolvedAt != "" {
				fmt.Fprintf(out, "Resolved: %s\n", p.ResolvedAt)
			}
			if len(p.Files) > 0 {
				fmt.Fprintf(out, "Files:   %s\n", strings.Join(p.Files, ", "))
			}
			fmt.Fprintf(out, "\n    %s\n", p.Summary)
			if p.Diff != "" {
				fmt.Fprintln(out)
				printDiff(out, p.Diff)
			}
			return nil
		},
	}
}

func newProposalsApplyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply a publish proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Service.ApplyProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			return reportOutcome(cmd.OutOrStdout(), result.OK, result.Noop, result.Message)
		},
	}
}

func newProposalsTransitionCommand(opts *rootOptions, use string, status proposal.Status) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("Mark a pending proposal as %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Service.TransitionProposal(cmd.Context(), args[0], status, reason)
			if err != nil {
				return err
			}
			return reportTransition(cmd, opts, result)
		},
	}
	if status == proposal.StatusFailed {
		cmd.Flags().StringVar(&reason, "reason", "", "Failure reason appended to the summary")
	}
	return cmd
}

func reportTransition(cmd *cobra.Command, opts *rootOptions, result review.TransitionResult) error {
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	return reportOutcome(cmd.OutOrStdout(), result.OK, result.Noop, result.Message)
}

// reportOutcome prints a single status line and turns a not-OK result into
// a non-zero exit.
func reportOutcome(out io.Writer, ok, noop bool, message string) error {
	switch {
	case !ok:
		color.New(color.FgRed).Fprintln(out, message)
		return fmt.Errorf("%s", message)
	case noop:
		color.New(color.FgCyan).Fprintf(out, "%s (no change)\n", message)
	default:
		color.New(color.FgGreen).Fprintln(out, message)
	}
	return nil
}

func statusLabel(status proposal.Status) string {
	switch status {
	case proposal.StatusApplied:
		return color.GreenString(string(status))
	case proposal.StatusRejected:
		return color.YellowString(string(status))
	case proposal.StatusFailed:
		return color.RedString(string(status))
	default:
		return color.CyanString(string(status))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
