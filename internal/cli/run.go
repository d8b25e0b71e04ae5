package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass for a user now",
		Long: `Run one synchronization pass for a user in this process. Interrupting
it cancels the pass; the run is still recorded.

Example:
  crosspost run --user alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := opts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Scheduler.Trigger(ctx, user)
			if err != nil {
				return err
			}
			if err := printRuns(opts.output(cmd), []*models.SyncRun{run}); err != nil {
				return err
			}
			if run.Status == models.RunFailed {
				return WrapExitError(ExitFailure, "run failed", nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(opts *RootOptions) *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Runs(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			return printRuns(opts.output(cmd), runs)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printRuns(out *OutputFormatter, runs []*models.SyncRun) error {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		kinds := make([]string, 0, len(r.Errors))
		for _, e := range r.Errors {
			kinds = append(kinds, e.Kind)
		}
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			finished,
			string(r.Status),
			strconv.Itoa(r.ItemsFetched),
			strconv.Itoa(r.ItemsSynced),
			strconv.Itoa(r.ItemsSkippedDuplicate),
			strconv.Itoa(r.ItemsDeferred),
			strings.Join(kinds, ","),
		})
	}
	return out.Table(runs,
		[]string{"RUN", "STARTED", "FINISHED", "STATUS", "FETCHED", "SYNCED", "DUPLICATE", "DEFERRED", "ERRORS"},
		rows)
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Audit.List(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Timestamp.Format(time.RFC3339), e.Action, string(e.Platform), e.Outcome, e.Detail})
			}
			return opts.output(cmd).Table(entries, []string{"TIME", "ACTION", "PLATFORM", "OUTCOME", "DETAIL"}, rows)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewAnalyticsCommand creates the analytics command.
func NewAnalyticsCommand(opts *RootOptions) *cobra.Command {
	var (
		user string
		days int
	)

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Show daily engagement snapshots of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return WrapExitError(ExitCommandError, fmt.Sprintf("--days must be positive, got %d", days), nil)
			}

			a, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			to := a.Now().UTC()
			from := to.AddDate(0, 0, -days)
			snaps, err := a.Analytics.Snapshots(cmd.Context(), user, from, to)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{
					s.PeriodStart.Format(time.DateOnly),
					string(s.Platform),
					strconv.FormatInt(s.PostsMirrored, 10),
					strconv.FormatInt(s.Likes, 10),
					strconv.FormatInt(s.Reposts, 10),
					strconv.FormatInt(s.Replies, 10),
				})
			}
			return opts.output(cmd).Table(snaps, []string{"DAY", "PLATFORM", "MIRRORED", "LIKES", "REPOSTS", "REPLIES"}, rows)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().IntVar(&days, "days", 7, "number of days back")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
