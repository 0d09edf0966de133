package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/output"
	"synchrony/internal/synchrony"
)

var (
	pushSites    []string
	pushLinked   bool
	pushLimit    int
	pushWatch    bool
	pushInterval time.Duration
)

var pushCmd = &cobra.Command{
	Use:   "push [issue-id...]",
	Short: "Export local issues to the remote tracker",
	Long: `Push local issues to every configured site.

Pass issue ids (a leading '#' is accepted), or --linked to push every issue
that already has a remote twin. Each issue is pushed to each site in turn;
a rejected issue is reported and the rest continue.

With --watch the command keeps running: issues saved to the local database
after it starts are queued and pushed in the background, and deliveries that
hit an unavailable remote are retried. Stop it with Ctrl-C.

Examples:
  synchrony push 42
  synchrony push 42 43 --site upstream
  synchrony push --linked
  synchrony push --watch --interval 1m`,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)

	pushCmd.Flags().StringSliceVar(&pushSites, "site", nil, "Only push to these sites (repeatable)")
	pushCmd.Flags().BoolVar(&pushLinked, "linked", false, "Push every issue that has a remote twin")
	pushCmd.Flags().IntVar(&pushLimit, "limit", 0, "With --linked, push at most this many issues")
	pushCmd.Flags().BoolVar(&pushWatch, "watch", false, "Keep running and push issues as they are saved")
	pushCmd.Flags().DurationVar(&pushInterval, "interval", synchrony.DefaultDrainInterval, "With --watch, how often to look for saved issues")
}

func runPush(cmd *cobra.Command, args []string) error {
	ids, err := parseIssueIDs(args)
	if err != nil {
		return err
	}
	if pushLinked {
		linked, err := db.NewStore(db.GetDB()).LinkedIssues(cmd.Context(), pushLimit)
		if err != nil {
			return fmt.Errorf("failed to list linked issues: %w", err)
		}
		for _, issue := range linked {
			ids = append(ids, issue.ID)
		}
	}
	if len(ids) == 0 && !pushWatch {
		return fmt.Errorf("no issues to push: pass issue ids, --linked or --watch")
	}

	sites, err := loadSites(pushSites)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pushWatch {
		return watchPush(ctx, newRunner(sites, 1), ids)
	}

	runner := newRunner(sites, 1)
	var results []*synchrony.PushResult
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := runner.PushIssue(ctx, id)
		results = append(results, res...)
		if err != nil {
			errs = append(errs, fmt.Errorf("issue #%d: %w", id, err))
		}
	}
	err = errors.Join(errs...)

	output.New(IsJSONOutput()).PushResults(results)
	if IsJSONOutput() {
		return reported(err)
	}
	return err
}

// watchPush queues ids, then pushes every later local save until ctx is done.
func watchPush(ctx context.Context, runner *synchrony.Runner, ids []uint) error {
	queue := synchrony.NewPushQueue(runner.Logger, runner.Pushers()...)
	queue.Interval = pushInterval
	for _, id := range ids {
		queue.Enqueue(models.IssueEvent{IssueID: id})
	}

	if !IsJSONOutput() {
		fmt.Printf("Watching for local changes every %s (Ctrl-C to stop)\n", pushInterval)
	}
	runner.Logger.Info("push watch started", "sites", len(runner.Sites), "queued", len(ids), "interval", pushInterval)
	err := queue.Watch(ctx, runner.Store, time.Now(), pushInterval)
	runner.Logger.Info("push watch stopped", "pending", queue.Len())
	return err
}

// parseIssueIDs accepts "42" and "#42".
func parseIssueIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	seen := make(map[uint]bool)
	for _, arg := range args {
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(arg), "#"), 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid issue id: %q", arg)
		}
		if seen[uint(n)] {
			continue
		}
		seen[uint(n)] = true
		ids = append(ids, uint(n))
	}
	return ids, nil
}
