package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/franckalain/healthscan/internal/app"
	"github.com/franckalain/healthscan/internal/history"
	"github.com/franckalain/healthscan/internal/models"
)

// NewHistoryCommand creates the history command and its subcommands.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List, search and prune stored scans",
	}
	cmd.AddCommand(newHistoryListCommand(rootOpts))
	cmd.AddCommand(newHistorySearchCommand(rootOpts))
	cmd.AddCommand(newHistoryRemoveCommand(rootOpts))
	cmd.AddCommand(newHistoryClearCommand(rootOpts))
	cmd.AddCommand(newHistorySyncCommand(rootOpts))
	return cmd
}

// withApp runs fn against a freshly opened app.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(a *app.App) error) error {
	a, err := openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newHistoryListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show stored scans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app.App) error {
				ov := a.History.Overview(cmd.Context(), time.Now(), limit)
				return writeHistory(cmd.OutOrStdout(), rootOpts.Format, ov.Items, &ov.Summary)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n scans")
	return cmd
}

func newHistorySearchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find scans by product name, brand or barcode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app.App) error {
				return writeHistory(cmd.OutOrStdout(), rootOpts.Format, a.History.Search(cmd.Context(), args[0]), nil)
			})
		},
	}
}

func newHistoryRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete one scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app.App) error {
				a.History.Remove(cmd.Context(), args[0])
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return err
			})
		},
	}
}

func newHistoryClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every scan of the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear history without --yes")
			}
			return withApp(cmd, rootOpts, func(a *app.App) error {
				a.History.Clear(cmd.Context())
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting the whole history")
	return cmd
}

func newHistorySyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push scans stored while offline to the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app.App) error {
				if a.History.Mode() == history.Anonymous {
					return fmt.Errorf("sync needs a signed-in user, pass --token")
				}
				pending := a.History.Sync(cmd.Context())
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d scan(s) still pending\n", pending)
				return err
			})
		},
	}
}

func writeHistory(w io.Writer, format string, items []models.ScanRecord, summary *history.Summary) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"items": items, "summary": summary})
	}

	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No scans yet")
		return err
	}
	for _, r := range items {
		marker := ""
		if !r.Synced {
			marker = " *"
		}
		if _, err := fmt.Fprintf(w, "%-32s %s %5.0f  %s%s\n",
			r.ID, formatTime(r.Timestamp), r.Analysis.OverallScore, r.Product.DisplayName(), marker); err != nil {
			return err
		}
	}
	if summary != nil {
		_, err := fmt.Fprintf(w, "\n%d total, %d today, %d this week (average score %.0f)\n",
			summary.Total, summary.Today, summary.ThisWeek, summary.WeekAverageScore)
		return err
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
