package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/sitesync/internal/models"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Verbose bool
}

// NewStatusCommand creates the status command. It reads the queue only and
// does not need the remote API.
func NewStatusCommand(root *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many changes are waiting to sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "list conflicted and failed records")

	return cmd
}

func showStatus(ctx context.Context, out io.Writer, opts *StatusOptions) error {
	app, err := openApp(ctx, opts.cfg, false)
	if err != nil {
		return err
	}
	defer app.Close()

	outstanding, err := app.engine.Outstanding(ctx)
	if err != nil {
		return err
	}
	printOutstanding(out, outstanding)

	if !opts.Verbose {
		return nil
	}
	conflicts, err := app.engine.Conflicts(ctx)
	if err != nil {
		return err
	}
	failed, err := app.engine.Failed(ctx)
	if err != nil {
		return err
	}
	printRecords(out, "Conflicts", color.FgYellow, conflicts)
	printRecords(out, "Failed", color.FgRed, failed)
	return nil
}

// printOutstanding renders the "N changes pending" indicator.
func printOutstanding(out io.Writer, o *syncpkg.Outstanding) {
	bold := color.New(color.Bold)
	switch total := o.Total(); {
	case total == 0:
		color.New(color.FgGreen).Fprintln(out, "All changes synced")
	case o.Failed > 0 || o.Conflict > 0:
		color.New(color.FgRed, color.Bold).Fprintf(out, "%d changes pending, %d need attention\n", total, o.Failed+o.Conflict)
	default:
		bold.Fprintf(out, "%d changes pending\n", total)
	}

	line(out, color.FgCyan, "pending", o.Pending)
	line(out, color.FgCyan, "syncing", o.Syncing)
	line(out, color.FgYellow, "conflict", o.Conflict)
	line(out, color.FgRed, "failed", o.Failed)
	line(out, color.FgGreen, "synced", o.Synced)
}

func printRecords(out io.Writer, title string, attr color.Attribute, records []*models.ActionRecord) {
	if len(records) == 0 {
		return
	}
	color.New(attr, color.Bold).Fprintf(out, "\n%s\n", title)
	for _, rec := range records {
		fmt.Fprintf(out, "  %s  %-18s %-12s", rec.ID, rec.ActionType, rec.ResourceID)
		switch {
		case rec.ConflictData != nil:
			fmt.Fprintf(out, " local v%d, server v%d\n", rec.ConflictData.LocalVersion, rec.ConflictData.ServerVersion)
		case rec.LastError != "":
			fmt.Fprintf(out, " %s\n", rec.LastError)
		default:
			fmt.Fprintln(out)
		}
	}
}
