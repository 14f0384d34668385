// Package cli implements forgectl, the operator command line for the review
// queue and publish pipeline.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"forge/api/internal/app"
	"forge/api/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	jsonOut    bool
	logLevel   string
}

// runtime loads config and wires the backends for one command.
func (o *rootOptions) runtime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	app.ConfigureLogging(o.logLevel, "console", nil)
	rt, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return rt, nil
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "forgectl",
		Short: "Operate the Forge review queue and publish pipeline",
		Long: `forgectl inspects and drives the change-proposal review queue.

Configuration comes from forge.toml (or --config) and FORGE_* environment
variables, the same sources the API server reads.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a TOML config file")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newImportLegacyCommand(opts),
		newProposalsCommand(opts),
		newPublishCommand(opts),
		newDiffCommand(opts),
		newTrustCommand(opts),
		newScopeCommand(),
	)
	return cmd
}

func Execute() error {
	return NewRootCommand().Execute()
}

func newImportLegacyCommand(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Import proposals from the legacy JSON file",
		Long: `Import proposals from the legacy {version: 1, proposals: [...]} file.

Existing proposals are updated only when their status or diff differ, so the
import can be repeated safely.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Service.ImportLegacy(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "Imported %d", result.Imported)
			fmt.Fprintf(cmd.OutOrStdout(), ", updated %d, skipped %d\n", result.Updated, result.Skipped)
			for _, id := range result.Conflicts {
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "conflict: %s collides with an existing proposal\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Legacy file path (defaults to legacy_proposals_path)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
