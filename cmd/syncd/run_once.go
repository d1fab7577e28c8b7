package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
)

// RunOnceOptions holds flags for the run-once command.
type RunOnceOptions struct {
	*RootOptions
	JSON bool
}

// NewRunOnceCommand creates the run-once command, a single drain for
// external schedulers such as cron or WorkManager.
func NewRunOnceCommand(root *RootOptions) *cobra.Command {
	opts := &RunOnceOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Replay the due queued actions once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the summary as JSON")

	return cmd
}

func runOnce(ctx context.Context, out io.Writer, opts *RunOnceOptions) error {
	app, err := openApp(ctx, opts.cfg, true)
	if err != nil {
		return err
	}
	defer app.Close()

	summary, runErr := app.engine.RunOnce(ctx)
	if summary != nil {
		if opts.JSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
		} else {
			printSummary(out, summary)
		}
	}
	if runErr != nil {
		return fmt.Errorf("drain aborted: %w", runErr)
	}
	return nil
}

// printSummary writes one line per outcome class, colored by severity.
func printSummary(out io.Writer, s *syncpkg.RunSummary) {
	bold := color.New(color.Bold)
	bold.Fprintf(out, "Drain finished in %s\n", s.Duration.Round(time.Millisecond))

	line(out, color.FgGreen, "synced", s.Succeeded)
	line(out, color.FgYellow, "conflicted", s.Conflicted)
	line(out, color.FgRed, "failed", s.Failed)
	line(out, color.FgCyan, "retrying", s.Pending)
	line(out, color.FgWhite, "skipped", s.Skipped)
	if s.Recovered > 0 {
		line(out, color.FgWhite, "recovered", s.Recovered)
	}
}

// line prints "  label  n", coloring n only when it is non-zero.
func line(out io.Writer, attr color.Attribute, label string, n int) {
	fmt.Fprintf(out, "  %-11s", label)
	if n == 0 {
		fmt.Fprintln(out, n)
		return
	}
	color.New(attr).Fprintln(out, n)
}
