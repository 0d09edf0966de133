package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/output"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent synchronization runs",
	Long:  `Show the configured sites, when each was last pulled, how many local issues are linked, and the most recent runs.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVarP(&statusRuns, "runs", "n", 10, "Number of recent runs to show")
}

type siteStatus struct {
	Name       string `json:"name"`
	TargetSite string `json:"target_site"`
	LastPull   string `json:"last_pull,omitempty"`
	PullReady  bool   `json:"pull_ready"`
	PushReady  bool   `json:"push_ready"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store := db.NewStore(db.GetDB())

	linked, err := store.CountLinkedIssues(ctx)
	if err != nil {
		return fmt.Errorf("failed to count linked issues: %w", err)
	}
	runs, err := store.RecentRuns(ctx, statusRuns)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	var sites []siteStatus
	loaded, siteErr := loadSites(nil)
	for _, s := range loaded {
		last, _ := db.GetConfig(models.ConfigLastPullPrefix + s.Name)
		sites = append(sites, siteStatus{
			Name:       s.Name,
			TargetSite: s.TargetSite,
			LastPull:   last,
			PullReady:  s.ValidateForPull() == nil,
			PushReady:  s.ValidateForPush() == nil,
		})
	}

	if IsJSONOutput() {
		if sites == nil {
			sites = []siteStatus{}
		}
		if runs == nil {
			runs = []models.SyncRun{}
		}
		payload := map[string]interface{}{
			"sites":         sites,
			"linked_issues": linked,
			"runs":          runs,
		}
		if siteErr != nil {
			payload["settings_error"] = siteErr.Error()
		}
		OutputJSON(payload)
		return nil
	}

	f := output.New(false)
	fmt.Printf("Synchronization Status\n")
	fmt.Printf("======================\n")

	f.Section("Sites")
	if siteErr != nil {
		fmt.Printf("  %v\n", siteErr)
	}
	for _, s := range sites {
		last := s.LastPull
		if last == "" {
			last = "never"
		}
		fmt.Printf("  %-16s %s\n", s.Name, s.TargetSite)
		fmt.Printf("    last pull: %s  pull: %s  push: %s\n", last, readiness(s.PullReady), readiness(s.PushReady))
	}

	fmt.Printf("\nLinked issues: %d\n", linked)

	f.Section("Recent Runs")
	f.Runs(runs)
	return nil
}

func readiness(ok bool) string {
	if ok {
		return "ready"
	}
	return "incomplete settings"
}
