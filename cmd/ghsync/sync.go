package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github-activity-sync/internal/calendar"
	"github-activity-sync/internal/model"
	"github-activity-sync/internal/syncer"
)

var (
	flagStart          string
	flagEnd            string
	flagRepo           string
	flagExclude        []string
	flagForce          bool
	flagSkipQuotaCheck bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run an incremental sync for a date window",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&flagStart, "start", "", "window start day (YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&flagEnd, "end", "", "window end day (YYYY-MM-DD), defaults to today")
	syncCmd.Flags().StringVar(&flagRepo, "repo", "", "sync a single repository instead of the whole organization")
	syncCmd.Flags().StringSliceVar(&flagExclude, "exclude", nil, "repository names to skip")
	syncCmd.Flags().BoolVar(&flagForce, "force", false, "re-sync every day in the window, purging ledger coverage")
	syncCmd.Flags().BoolVar(&flagSkipQuotaCheck, "skip-quota-check", false, "bypass the per-repository quota gate")
	_ = syncCmd.MarkFlagRequired("start")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start, err := calendar.ParseDayKey(flagStart)
	if err != nil {
		return err
	}
	end := time.Now().UTC()
	if flagEnd != "" {
		if end, err = calendar.ParseDayKey(flagEnd); err != nil {
			return err
		}
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.syncer.Sync(ctx, syncer.Options{
		Repo:           flagRepo,
		ExcludeRepos:   flagExclude,
		Start:          start,
		End:            end,
		Force:          flagForce,
		SkipQuotaCheck: flagSkipQuotaCheck,
		Progress:       renderProgress,
	})
	if summary != nil {
		printSummary(summary)
	}
	return err
}

// renderProgress prints structured progress events as single status lines.
func renderProgress(ev model.ProgressEvent) {
	switch ev.Phase {
	case model.PhasePlanning:
		fmt.Printf("%-20s planning: %d/%d days already covered\n", ev.Repository, ev.Processed, ev.Total)
	case model.PhaseQuotaCheck:
		if ev.Quota != nil {
			fmt.Printf("%-20s quota: %d/%d remaining, need ~%d\n", ev.Repository, ev.Quota.Remaining, ev.Quota.Limit, ev.Total)
		}
	case model.PhaseProcessing:
		fmt.Printf("%-20s processing pull requests: %d/%d\n", ev.Repository, ev.Processed, ev.Total)
	case model.PhaseCommits:
		fmt.Printf("%-20s fetching %d direct commits\n", ev.Repository, ev.Total)
	case model.PhaseRepoSkipped:
		fmt.Printf("%-20s skipped: %s\n", ev.Repository, ev.Message)
	case model.PhaseRepoDone:
		switch {
		case ev.Message != "":
			fmt.Printf("%-20s done: %s\n", ev.Repository, ev.Message)
		case ev.Quota != nil:
			fmt.Printf("%-20s done (%d quota remaining)\n", ev.Repository, ev.Quota.Remaining)
		default:
			fmt.Printf("%-20s done\n", ev.Repository)
		}
	}
}

func printSummary(s *model.SyncSummary) {
	fmt.Println()
	fmt.Printf("Repositories synced:  %d (skipped %d)\n", s.RepoCount, s.ReposSkipped)
	fmt.Printf("Pull requests:        %d fetched, %d outside window\n", s.PRsFetched, s.PRsSkipped)
	fmt.Printf("Reviews:              %d\n", s.ReviewsFetched)
	fmt.Printf("Comments:             %d\n", s.CommentsFetched)
	fmt.Printf("Commits:              %d\n", s.CommitsFetched)
	fmt.Printf("Days marked synced:   %d (skipped %d)\n", s.DaysSynced, s.DaysSkipped)
	fmt.Printf("Duration:             %dms\n", s.DurationMs)
	if len(s.Errors) > 0 {
		fmt.Fprintf(os.Stderr, "\n%d errors:\n", len(s.Errors))
		for _, e := range s.Errors {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
	}
}
