package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/output"
	"synchrony/internal/settings"
)

var (
	linksLimit int
	linksSite  string
)

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "List local issues linked to remote issues",
	Long: `List local issues that carry a remote correlation id, most recently
synchronized first. With --site, remote URLs are built from that site's
target_site.`,
	RunE: runLinks,
}

func init() {
	rootCmd.AddCommand(linksCmd)

	linksCmd.Flags().IntVarP(&linksLimit, "limit", "n", 50, "Maximum number of links to show (0 for all)")
	linksCmd.Flags().StringVar(&linksSite, "site", "", "Site used to build remote URLs")
}

func runLinks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store := db.NewStore(db.GetDB())

	issues, err := store.LinkedIssues(ctx, linksLimit)
	if err != nil {
		return fmt.Errorf("failed to list linked issues: %w", err)
	}
	total, err := store.CountLinkedIssues(ctx)
	if err != nil {
		return fmt.Errorf("failed to count linked issues: %w", err)
	}

	var site *settings.Site
	if linksSite != "" {
		sites, err := loadSites([]string{linksSite})
		if err != nil {
			return err
		}
		site = sites[0]
	}

	output.New(IsJSONOutput()).Links(toLinks(issues, site), total)
	return nil
}

func toLinks(issues []models.Issue, site *settings.Site) []output.Link {
	links := make([]output.Link, 0, len(issues))
	for _, issue := range issues {
		if !issue.Linked() {
			continue
		}
		l := output.Link{
			IssueID:        issue.ID,
			Subject:        issue.Subject,
			RemoteID:       *issue.SynchronyID,
			SynchronizedAt: issue.SynchronizedAt,
		}
		if site != nil {
			l.RemoteURL = site.RemoteIssueURL(l.RemoteID)
		}
		links = append(links, l)
	}
	return links
}
