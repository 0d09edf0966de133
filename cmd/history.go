package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/models"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <issue-id>",
	Short: "Show the journal of an issue",
	Long: `Show an issue's notes and field changes, newest last. Entries that were
exchanged with the remote tracker show the remote journal id.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum entries to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ids, err := parseIssueIDs(args)
	if err != nil {
		return err
	}
	issueID := ids[0]

	store := db.NewStore(db.GetDB())
	issue, err := store.FindIssue(cmd.Context(), issueID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("issue not found: #%d", issueID)
		}
		return err
	}

	journals, err := store.IssueJournals(cmd.Context(), issueID)
	if err != nil {
		return err
	}
	if historyLimit > 0 && len(journals) > historyLimit {
		journals = journals[len(journals)-historyLimit:]
	}

	if IsJSONOutput() {
		if journals == nil {
			journals = []models.Journal{}
		}
		OutputJSON(map[string]interface{}{
			"issue_id": issueID,
			"count":    len(journals),
			"journals": journals,
		})
		return nil
	}

	if len(journals) == 0 {
		fmt.Printf("No history for issue #%d\n", issueID)
		return nil
	}

	fmt.Printf("History for #%d (%s):\n\n", issueID, issue.Subject)
	for _, j := range journals {
		fmt.Printf("[%s] by user %d", j.CreatedOn.Local().Format(models.DateTimeFormat), j.UserID)
		if j.Linked() {
			fmt.Printf(" (remote journal %d)", *j.SynchronyID)
		}
		if j.PrivateNotes {
			fmt.Print(" [private]")
		}
		fmt.Println()
		for _, d := range j.Details {
			fmt.Printf("  %s %s: %s → %s\n", d.Property, d.PropKey, deref(d.OldValue), deref(d.Value))
		}
		if j.Notes != "" {
			fmt.Printf("  %s\n", j.Notes)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return `""`
	}
	return fmt.Sprintf("%q", *s)
}
