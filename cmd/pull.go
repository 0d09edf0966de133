package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/output"
	"synchrony/internal/synchrony"
)

var (
	pullSites    []string
	pullParallel int
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Import remote changes into the local store",
	Long: `Pull remote issues updated since the last pull into the local store.

Every configured site is pulled unless --site narrows the run. A site that
fails does not stop the others; all failures are reported at the end.

Issues are matched by their correlation id. New remote issues are created
locally, changed ones are updated, and issues whose remote updated_on equals
the stored synchronization time are left alone.`,
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().StringSliceVar(&pullSites, "site", nil, "Only pull these sites (repeatable)")
	pullCmd.Flags().IntVar(&pullParallel, "parallel", 1, "Pull this many sites at once")
}

func runPull(cmd *cobra.Command, args []string) error {
	sites, err := loadSites(pullSites)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := newRunner(sites, pullParallel)
	results, err := runner.PullAll(ctx)
	recordLastPulls(ctx, results)

	f := output.New(IsJSONOutput())
	if IsJSONOutput() {
		var done []*synchrony.PullResult
		for _, r := range results {
			if r != nil {
				done = append(done, r)
			}
		}
		payload := map[string]interface{}{"success": err == nil, "results": done}
		if err != nil {
			payload["error"] = err.Error()
		}
		OutputJSON(payload)
		return reported(err)
	}
	for _, r := range results {
		f.PullResult(r)
	}
	return err
}

// recordLastPulls stores the finish time of each successful site pull.
func recordLastPulls(ctx context.Context, results []*synchrony.PullResult) {
	if ctx.Err() != nil {
		return
	}
	for _, r := range results {
		if r == nil || r.FinishedAt.IsZero() {
			continue
		}
		key := models.ConfigLastPullPrefix + r.Site
		if err := db.SetConfig(key, r.FinishedAt.UTC().Format(time.RFC3339)); err != nil {
			getLogger().Warn("failed to record last pull", "site", r.Site, "error", err)
		}
	}
}
