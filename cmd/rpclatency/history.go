package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/rpclatency/internal/config"
	"github.com/gateway-fm/rpclatency/internal/report"
	"github.com/gateway-fm/rpclatency/internal/storage"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored runs",
	}
	ov := newOverrides(cmd.PersistentFlags())
	ov.str("database", "SQLite history database (env DATABASE_PATH)", func(c *config.Config, v string) { c.DatabasePath = v })

	open := func(cmd *cobra.Command) (*storage.SQLiteStorage, error) {
		cfg, logger, err := root.load(cmd, ov)
		if err != nil {
			return nil, err
		}
		if cfg.DatabasePath == "" {
			return nil, errors.New("database path is required")
		}
		return storage.NewSQLiteStorage(cfg.DatabasePath, logger)
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			page, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), page)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	list.Flags().IntVar(&offset, "offset", 0, "Runs to skip")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			records, err := store.GetRecords(ctx, run.ID)
			if err != nil {
				return err
			}
			failures, err := store.GetFailures(ctx, run.ID)
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), run, records, failures)
		},
	}

	del := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run with its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func printRuns(w io.Writer, page *storage.PaginatedRuns) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Started", "Label", "Strategy", "Status", "OK", "Failed", "Avg Total (ms)"})
	table.SetAutoFormatHeaders(false)
	for _, r := range page.Runs {
		table.Append([]string{
			r.ID,
			r.StartedAt.UTC().Format(time.DateTime),
			r.Label,
			string(r.Strategy),
			string(r.Status),
			fmt.Sprint(r.TxConfirmed),
			fmt.Sprint(r.TxFailed),
			fmt.Sprint(r.Total.AvgMs),
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "total", fmt.Sprint(page.Total)})
	table.Render()
}

// printRun renders a stored run in the Markdown report layout.
func printRun(w io.Writer, run *storage.Run, records []types.LatencyRecord, failures []types.TxFailure) error {
	fmt.Fprintf(w, "Run %s (%s)\n", run.ID, run.Status)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", run.ErrorMessage)
	}
	fmt.Fprintln(w)

	summary := &types.BatchSummary{
		Records:  records,
		Failures: failures,
		Send:     run.Send,
		Confirm:  run.Confirm,
		Total:    run.Total,
		Elapsed:  time.Duration(run.ElapsedMs) * time.Millisecond,
	}
	return report.WriteMarkdown(w, report.Report{Info: run.RunInfo, Summary: summary})
}
