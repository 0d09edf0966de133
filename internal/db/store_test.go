package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"synchrony/internal/db"
	"synchrony/internal/db/dbtest"
	"synchrony/internal/models"
)

func TestSaveIssueNotifiesAfterCommit(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()

	var events []models.IssueEvent
	f.Store.OnIssueSaved(func(ctx context.Context, ev models.IssueEvent) {
		// The row must already be visible to listeners.
		if _, err := f.Store.FindIssue(ctx, ev.IssueID); err != nil {
			t.Errorf("listener FindIssue() error: %v", err)
		}
		events = append(events, ev)
	})

	issue := f.NewIssue("First")
	if err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: issue}); err != nil {
		t.Fatalf("SaveIssue() error: %v", err)
	}
	issue.Subject = "First, edited"
	issue.SkipSynchronization = true
	if err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: issue}); err != nil {
		t.Fatalf("SaveIssue() update error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].Created || events[0].SkipSynchronization {
		t.Errorf("first event = %+v, want Created and not skipped", events[0])
	}
	if events[1].Created || !events[1].SkipSynchronization {
		t.Errorf("second event = %+v, want update with skip flag", events[1])
	}
	if issue.LockVersion != 1 {
		t.Errorf("LockVersion = %d, want 1", issue.LockVersion)
	}
}

func TestSaveIssueValidation(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.Issue)
	}{
		{"blank subject", func(i *models.Issue) { i.Subject = "  " }},
		{"unknown status", func(i *models.Issue) { i.StatusID = 999 }},
		{"unknown author", func(i *models.Issue) { i.AuthorID = 999 }},
		{"assignee not a member", func(i *models.Issue) { i.ProjectID = f.OtherProject; i.AssignedToID = &f.Bob }},
		{"missing parent", func(i *models.Issue) { p := uint(999); i.ParentID = &p }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := f.NewIssue("Invalid")
			tt.mutate(issue)
			err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: issue})
			if !errors.Is(err, db.ErrInvalidRecord) {
				t.Errorf("SaveIssue() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestSaveIssueStaleObject(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()
	issue := f.CreateIssue(t, f.NewIssue("Shared"), nil)

	first, _ := f.Store.FindIssue(ctx, issue.ID)
	second, _ := f.Store.FindIssue(ctx, issue.ID)

	first.Subject = "first writer"
	if err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: first}); err != nil {
		t.Fatalf("SaveIssue() error: %v", err)
	}
	notified := false
	f.Store.OnIssueSaved(func(context.Context, models.IssueEvent) { notified = true })

	second.Subject = "second writer"
	err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: second})
	if !errors.Is(err, db.ErrStaleObject) {
		t.Fatalf("SaveIssue() error = %v, want ErrStaleObject", err)
	}
	if notified {
		t.Error("listener should not run for a failed save")
	}
	stored, _ := f.Store.FindIssue(ctx, issue.ID)
	if stored.Subject != "first writer" {
		t.Errorf("Subject = %q, want first writer", stored.Subject)
	}
}

func TestSaveIssueRecordsJournal(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()
	issue := f.CreateIssue(t, f.NewIssue("Journaled"), map[uint][]string{f.Severity: {"Minor"}})

	issue.StatusID = f.InProgress
	err := f.Store.SaveIssue(ctx, db.IssueChange{
		Issue:        issue,
		CustomValues: map[uint][]string{f.Severity: {"Major"}},
		UserID:       f.Bob,
		Notes:        "Working on it",
	})
	if err != nil {
		t.Fatalf("SaveIssue() error: %v", err)
	}

	journals, err := f.Store.IssueJournals(ctx, issue.ID)
	if err != nil {
		t.Fatalf("IssueJournals() error: %v", err)
	}
	if len(journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(journals))
	}
	j := journals[0]
	if j.Notes != "Working on it" || j.UserID != f.Bob {
		t.Errorf("journal = %+v", j)
	}
	if len(j.Details) != 2 {
		t.Fatalf("got %d details, want 2", len(j.Details))
	}
	if j.Details[0].PropKey != "status_id" || *j.Details[1].Value != "Major" {
		t.Errorf("details = %+v %+v", j.Details[0], j.Details[1])
	}

	// An update without changes or notes records nothing.
	if err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: issue, UserID: f.Bob}); err != nil {
		t.Fatalf("SaveIssue() error: %v", err)
	}
	journals, _ = f.Store.IssueJournals(ctx, issue.ID)
	if len(journals) != 1 {
		t.Errorf("got %d journals after no-op save, want 1", len(journals))
	}
}

func TestCreateJournalBackfillsCreatedOn(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()
	issue := f.CreateIssue(t, f.NewIssue("History"), nil)

	rid := 7
	when := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	status := "2"
	j := &models.Journal{
		IssueID:     issue.ID,
		UserID:      f.Alice,
		Notes:       "imported",
		SynchronyID: &rid,
		Details:     []models.JournalDetail{{Property: models.DetailAttr, PropKey: "status_id", Value: &status}},
	}
	if err := f.Store.CreateJournal(ctx, j, when); err != nil {
		t.Fatalf("CreateJournal() error: %v", err)
	}

	journals, _ := f.Store.IssueJournals(ctx, issue.ID)
	if len(journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(journals))
	}
	if !journals[0].CreatedOn.Equal(when) {
		t.Errorf("CreatedOn = %v, want %v", journals[0].CreatedOn, when)
	}
	if len(journals[0].Details) != 1 {
		t.Errorf("got %d details, want 1", len(journals[0].Details))
	}
}

func TestUpdateSyncLinkKeepsLockVersion(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()
	issue := f.CreateIssue(t, f.NewIssue("Linked"), nil)

	rid := 500
	now := time.Now().UTC().Truncate(time.Second)
	if err := f.Store.UpdateSyncLink(ctx, issue.ID, &rid, &now); err != nil {
		t.Fatalf("UpdateSyncLink() error: %v", err)
	}
	stored, err := f.Store.FindIssueBySynchronyID(ctx, rid)
	if err != nil {
		t.Fatalf("FindIssueBySynchronyID() error: %v", err)
	}
	if stored.ID != issue.ID || stored.LockVersion != issue.LockVersion {
		t.Errorf("stored = id %d lock %d, want id %d lock %d", stored.ID, stored.LockVersion, issue.ID, issue.LockVersion)
	}
	if !stored.Converged(now) {
		t.Error("stored issue should be converged with the link timestamp")
	}

	if _, err := f.Store.FindIssueBySynchronyID(ctx, 9999); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("FindIssueBySynchronyID() missing error = %v, want ErrNotFound", err)
	}
}

func TestRecordRun(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()

	run := &models.SyncRun{Site: "remote", Direction: models.SyncDirectionPull, StartedAt: time.Now()}
	if err := f.Store.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun() error: %v", err)
	}
	if run.ID == "" {
		t.Fatal("RecordRun() should assign an id")
	}
	done := time.Now()
	run.FinishedAt = &done
	run.Created = 3
	if err := f.Store.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun() update error: %v", err)
	}

	runs, err := f.Store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns() error: %v", err)
	}
	if len(runs) != 1 || runs[0].Created != 3 || !runs[0].Succeeded() {
		t.Errorf("RecentRuns() = %+v", runs)
	}
}

func TestIssuesUpdatedSince(t *testing.T) {
	f := dbtest.Seed(t)
	ctx := context.Background()

	old := f.CreateIssue(t, f.NewIssue("Before the cutoff"), nil)
	cutoff := old.UpdatedOn
	time.Sleep(5 * time.Millisecond)
	fresh := f.CreateIssue(t, f.NewIssue("After the cutoff"), nil)

	issues, err := f.Store.IssuesUpdatedSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("IssuesUpdatedSince() error: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != fresh.ID {
		t.Fatalf("IssuesUpdatedSince() = %+v, want only #%d", issues, fresh.ID)
	}

	time.Sleep(5 * time.Millisecond)
	old.Subject = "Edited after the cutoff"
	if err := f.Store.SaveIssue(ctx, db.IssueChange{Issue: old}); err != nil {
		t.Fatalf("SaveIssue() error: %v", err)
	}
	issues, err = f.Store.IssuesUpdatedSince(ctx, issues[0].UpdatedOn)
	if err != nil {
		t.Fatalf("IssuesUpdatedSince() error: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != old.ID {
		t.Errorf("IssuesUpdatedSince() = %+v, want only the edited #%d", issues, old.ID)
	}
}
