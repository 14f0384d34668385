package cli

import (
	"fmt"
	"io"

	"forge/api/internal/publish"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPublishCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Preview, queue and apply content publishes",
		Long: `Drive the publish pipeline for a content file.

A publish runs in three steps:
  forgectl publish preview stories/ch1.md --loop loop-1 --domain story
  forgectl publish queue <preview-token>
  forgectl proposals apply <proposal-id>

"publish apply" writes a preview directly, bypassing the review queue.`,
	}
	cmd.AddCommand(
		newPublishPreviewCommand(opts),
		newPublishQueueCommand(opts),
		newPublishApplyCommand(opts),
	)
	return cmd
}

func newPublishPreviewCommand(opts *rootOptions) *cobra.Command {
	var req publish.PreviewRequest
	cmd := &cobra.Command{
		Use:   "preview <path>",
		Short: "Parse a content file and store a publish preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			req.Path = args[0]
			result, err := rt.Service.BuildPreview(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			if !result.OK {
				return reportOutcome(cmd.OutOrStdout(), false, false, result.Message)
			}
			printPreview(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.LoopID, "loop", "", "Loop id the publish belongs to")
	cmd.Flags().StringVar(&req.Domain, "domain", "story", "Content domain")
	cmd.Flags().StringVar(&req.ScopeOverrideToken, "override-token", "", "Scope override token")
	return cmd
}

func printPreview(out io.Writer, result publish.PreviewResult) {
	pv := result.Preview
	color.New(color.FgYellow).Fprintf(out, "preview %s\n", pv.Token)
	fmt.Fprintf(out, "Path:    %s\n", pv.Path)
	fmt.Fprintf(out, "Title:   %s\n", pv.PageDraft.Title)
	fmt.Fprintf(out, "Blocks:  %d -> %d\n", pv.ChangedSummary.PreviousBlockCount, pv.ChangedSummary.NextBlockCount)
	if pv.ChangedSummary.Changed {
		color.New(color.FgGreen).Fprintln(out, "Changed: yes")
	} else {
		color.New(color.FgCyan).Fprintln(out, "Changed: no")
	}
	for _, warning := range pv.Warnings {
		color.New(color.FgMagenta).Fprintf(out, "warning: %s\n", warning)
	}
}

func newPublishQueueCommand(opts *rootOptions) *cobra.Command {
	var req publish.QueueRequest
	cmd := &cobra.Command{
		Use:   "queue <preview-token>",
		Short: "Queue a preview as a publish proposal",
		Long: `Queue a preview as a story-publish proposal.

When the loop's trust mode is auto-approve-all the proposal is applied at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			req.PreviewToken = args[0]
			result, err := rt.Service.QueuePreview(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			if result.Proposal != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "proposal %s [%s]\n", result.Proposal.ID, statusLabel(result.Status))
			}
			return reportOutcome(cmd.OutOrStdout(), result.OK, result.Noop, result.Message)
		},
	}
	cmd.Flags().StringVar(&req.EditorTarget, "editor", "", "Editor target (forge or codex)")
	cmd.Flags().StringVar(&req.ThreadID, "thread", "", "Originating thread id")
	cmd.Flags().StringVar(&req.TurnID, "turn", "", "Originating turn id")
	return cmd
}

func newPublishApplyCommand(opts *rootOptions) *cobra.Command {
	var req publish.ApplyRequest
	cmd := &cobra.Command{
		Use:   "apply <preview-token>",
		Short: "Apply a preview directly (requires --yes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			req.PreviewToken = args[0]
			result, err := rt.Service.ApplyPreview(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			return reportOutcome(cmd.OutOrStdout(), result.OK, result.Noop, result.Message)
		},
	}
	cmd.Flags().BoolVarP(&req.Approved, "yes", "y", false, "Confirm the apply")
	cmd.Flags().BoolVar(&req.Force, "force", false, "Rewrite the page even when the content is unchanged")
	return cmd
}
