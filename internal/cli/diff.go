package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"forge/api/internal/diff"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDiffCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Inspect unified diffs",
	}

	var fallback []string
	parse := &cobra.Command{
		Use:   "parse [file]",
		Short: "Summarize a unified diff per file",
		Long: `Summarize a unified diff per file. Reads stdin when no file is given.

Text without "diff --git" headers is attributed to the --fallback files.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			result := diff.Parse(diff.Input{Diff: raw, FallbackFiles: fallback})
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printDiffSummary(cmd.OutOrStdout(), result)
			return nil
		},
	}
	parse.Flags().StringSliceVar(&fallback, "fallback", nil, "Files to attribute a header-less diff to")
	cmd.AddCommand(parse)
	return cmd
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(raw), nil
}

func printDiffSummary(out io.Writer, result diff.Result) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	if len(result.Files) == 0 {
		fmt.Fprintln(out, "No changes")
	}
	for _, f := range result.Files {
		fmt.Fprintf(out, "%-9s %s ", f.Status, f.Path)
		green.Fprintf(out, "+%d", f.Additions)
		fmt.Fprint(out, " ")
		red.Fprintf(out, "-%d", f.Deletions)
		fmt.Fprintf(out, " (%d hunks)\n", f.HunkCount)
	}
	for _, warning := range result.Warnings {
		color.New(color.FgMagenta).Fprintf(out, "warning: %s\n", warning)
	}
}

// printDiff colors a unified diff line by line.
func printDiff(out io.Writer, text string) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "diff --git"):
			fmt.Fprintln(out, line)
		case strings.HasPrefix(line, "@@"):
			cyan.Fprintln(out, line)
		case strings.HasPrefix(line, "+"):
			green.Fprintln(out, line)
		case strings.HasPrefix(line, "-"):
			red.Fprintln(out, line)
		default:
			fmt.Fprintln(out, line)
		}
	}
}
