package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"synchrony/internal/db"
	"synchrony/internal/models"
)

var showCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show an issue and its synchronization state",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	ids, err := parseIssueIDs(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	database := db.GetDB().WithContext(ctx)

	var issue models.Issue
	if err := database.Preload("Project").Preload("Tracker").Preload("Status").
		Preload("Priority").Preload("Author").Preload("AssignedTo").
		Where("id = ?", ids[0]).First(&issue).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("issue not found: #%d", ids[0])
		}
		return err
	}

	store := db.NewStore(db.GetDB())
	values, err := store.IssueCustomValues(ctx, issue.ID)
	if err != nil {
		return err
	}
	attachments, err := store.IssueAttachments(ctx, issue.ID)
	if err != nil {
		return err
	}
	relations, err := store.IssueRelations(ctx, issue.ID)
	if err != nil {
		return err
	}
	watchers, err := store.IssueWatchers(ctx, issue.ID)
	if err != nil {
		return err
	}

	fields := make(map[uint]string)
	var customFields []models.CustomField
	database.Where("type = ?", models.CustomFieldTypeIssue).Find(&customFields)
	for _, f := range customFields {
		fields[f.ID] = f.Name
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{
			"issue":         issue,
			"custom_values": values,
			"attachments":   attachments,
			"relations":     relations,
			"watchers":      watchers,
		})
		return nil
	}

	fmt.Printf("ID:       #%d\n", issue.ID)
	if issue.ParentID != nil {
		fmt.Printf("Parent:   #%d\n", *issue.ParentID)
	}
	fmt.Printf("Subject:  %s\n", issue.Subject)
	if issue.Project != nil {
		fmt.Printf("Project:  %s\n", issue.Project.Name)
	}
	if issue.Tracker != nil {
		fmt.Printf("Tracker:  %s\n", issue.Tracker.Name)
	}
	if issue.Status != nil {
		fmt.Printf("Status:   %s\n", issue.Status.Name)
	}
	if issue.Priority != nil {
		fmt.Printf("Priority: %s\n", issue.Priority.Name)
	}
	if issue.Author != nil {
		fmt.Printf("Author:   %s\n", issue.Author.Name())
	}
	if issue.AssignedTo != nil {
		fmt.Printf("Assignee: %s\n", issue.AssignedTo.Name())
	}
	fmt.Printf("Updated:  %s\n", issue.UpdatedOn.Local().Format(models.DateTimeShortFormat))

	if issue.Linked() {
		synced := "never"
		if issue.SynchronizedAt != nil {
			synced = issue.SynchronizedAt.Local().Format(models.DateTimeShortFormat)
		}
		fmt.Printf("Remote:   #%d (synchronized %s)\n", *issue.SynchronyID, synced)
	} else {
		fmt.Println("Remote:   (not linked)")
	}

	if len(values) > 0 {
		fmt.Println("\nCustom fields:")
		for _, v := range values {
			name := fields[v.CustomFieldID]
			if name == "" {
				name = fmt.Sprintf("cf %d", v.CustomFieldID)
			}
			fmt.Printf("  %s: %s\n", name, v.Value)
		}
	}
	if len(attachments) > 0 {
		fmt.Println("\nAttachments:")
		for _, a := range attachments {
			fmt.Printf("  %s (%d bytes)%s\n", a.Filename, a.Filesize, remoteSuffix(a.SynchronyID))
		}
	}
	if len(relations) > 0 {
		fmt.Println("\nRelations:")
		for _, r := range relations {
			fmt.Printf("  #%d %s #%d\n", r.IssueFromID, r.RelationType, r.IssueToID)
		}
	}
	if len(watchers) > 0 {
		ids := make([]string, 0, len(watchers))
		for _, w := range watchers {
			ids = append(ids, fmt.Sprintf("%d", w.UserID))
		}
		fmt.Printf("\nWatchers: %s\n", strings.Join(ids, ", "))
	}
	if issue.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", issue.Description)
	}

	return nil
}

func remoteSuffix(id *int) string {
	if id == nil || *id == 0 {
		return ""
	}
	return fmt.Sprintf(" -> remote %d", *id)
}
