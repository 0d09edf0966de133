// Package dbtest provides a temporary local store seeded with a small catalog
// for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"synchrony/internal/db"
	"synchrony/internal/models"
)

// Fixture holds the ids of the seeded catalog.
type Fixture struct {
	Store *db.Store
	Dir   string

	Project, OtherProject              uint
	Bug, Feature                       uint
	New, InProgress, Closed            uint
	Normal, High, Low                  uint
	Alice, Bob, Carol                  uint
	Synchronizable, RemoteURL          uint
	LastSyncSuccessful, InitialProject uint
	RemoteUserID                       uint
	Severity, Components               uint
	Reviewer, Reviewers                uint
	TicketCode, Remarks                uint
}

// Open creates an empty migrated store in a temp dir.
func Open(t testing.TB) *db.Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db.NewStore(database)
}

// Seed opens a store and fills it with projects, trackers, statuses,
// priorities, users, memberships and custom fields.
func Seed(t testing.TB) *Fixture {
	t.Helper()
	store := Open(t)
	f := &Fixture{Store: store, Dir: t.TempDir()}
	gdb := store.DB()

	create := func(v interface{}) {
		t.Helper()
		if err := gdb.Create(v).Error; err != nil {
			t.Fatalf("seed %T: %v", v, err)
		}
	}

	alice := &models.User{Login: "alice", Firstname: "Alice", Lastname: "Admin", Admin: true}
	bob := &models.User{Login: "bob", Firstname: "Bob", Lastname: "Builder"}
	carol := &models.User{Login: "carol", Firstname: "Carol", Lastname: "Coder"}
	for _, u := range []*models.User{alice, bob, carol} {
		create(u)
	}
	f.Alice, f.Bob, f.Carol = alice.ID, bob.ID, carol.ID

	project := &models.Project{Name: "Local Project", Identifier: "local", DefaultAssignedToID: &f.Alice}
	other := &models.Project{Name: "Other Project", Identifier: "other"}
	create(project)
	create(other)
	f.Project, f.OtherProject = project.ID, other.ID
	for _, uid := range []uint{f.Alice, f.Bob, f.Carol} {
		create(&models.Member{ProjectID: f.Project, UserID: uid})
	}
	create(&models.Member{ProjectID: f.OtherProject, UserID: f.Alice})

	bug, feature := &models.Tracker{Name: "Bug"}, &models.Tracker{Name: "Feature"}
	create(bug)
	create(feature)
	f.Bug, f.Feature = bug.ID, feature.ID

	statNew := &models.IssueStatus{Name: "New"}
	statProgress := &models.IssueStatus{Name: "In Progress"}
	statClosed := &models.IssueStatus{Name: "Closed", IsClosed: true}
	for _, s := range []*models.IssueStatus{statNew, statProgress, statClosed} {
		create(s)
	}
	f.New, f.InProgress, f.Closed = statNew.ID, statProgress.ID, statClosed.ID

	normal, high, low := &models.IssuePriority{Name: "Normal"}, &models.IssuePriority{Name: "High"}, &models.IssuePriority{Name: "Low"}
	for _, p := range []*models.IssuePriority{normal, high, low} {
		create(p)
	}
	f.Normal, f.High, f.Low = normal.ID, high.ID, low.ID

	maxLen := 10
	fields := []struct {
		dst *uint
		cf  *models.CustomField
	}{
		{&f.Synchronizable, &models.CustomField{Name: "Synchronizable", FieldFormat: models.FieldFormatBool}},
		{&f.RemoteURL, &models.CustomField{Name: "Remote URL", FieldFormat: models.FieldFormatLink}},
		{&f.LastSyncSuccessful, &models.CustomField{Name: "Last sync successful", FieldFormat: models.FieldFormatBool}},
		{&f.InitialProject, &models.CustomField{Name: "Initial project", FieldFormat: models.FieldFormatString}},
		{&f.RemoteUserID, &models.CustomField{Type: models.CustomFieldTypeUser, Name: "Remote User ID", FieldFormat: models.FieldFormatString}},
		{&f.Severity, &models.CustomField{Name: "Severity", FieldFormat: models.FieldFormatList, PossibleValues: models.StringSlice{"Minor", "Major", "Critical"}}},
		{&f.Components, &models.CustomField{Name: "Components", FieldFormat: models.FieldFormatList, Multiple: true, PossibleValues: models.StringSlice{"UI", "API", "DB"}}},
		{&f.Reviewer, &models.CustomField{Name: "Reviewer", FieldFormat: models.FieldFormatUser}},
		{&f.Reviewers, &models.CustomField{Name: "Reviewers", FieldFormat: models.FieldFormatUser, Multiple: true}},
		{&f.TicketCode, &models.CustomField{Name: "Ticket code", FieldFormat: models.FieldFormatString, Regexp: `^[A-Z]+-\d+$`, MaxLength: &maxLen}},
		{&f.Remarks, &models.CustomField{Name: "Remarks", FieldFormat: models.FieldFormatText}},
	}
	for _, fd := range fields {
		create(fd.cf)
		*fd.dst = fd.cf.ID
	}

	ctx := context.Background()
	if err := store.SetUserCustomValue(ctx, f.Alice, f.RemoteUserID, "101"); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	if err := store.SetUserCustomValue(ctx, f.Bob, f.RemoteUserID, "102"); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	return f
}

// NewIssue returns an unsaved issue in the fixture project.
func (f *Fixture) NewIssue(subject string) *models.Issue {
	return &models.Issue{
		ProjectID:  f.Project,
		TrackerID:  f.Bug,
		StatusID:   f.New,
		PriorityID: f.Normal,
		AuthorID:   f.Bob,
		Subject:    subject,
	}
}

// CreateIssue saves a new issue with the given custom values and no listeners
// side effects beyond what the store emits.
func (f *Fixture) CreateIssue(t testing.TB, issue *models.Issue, values map[uint][]string) *models.Issue {
	t.Helper()
	if err := f.Store.SaveIssue(context.Background(), db.IssueChange{Issue: issue, CustomValues: values}); err != nil {
		t.Fatalf("CreateIssue() error: %v", err)
	}
	return issue
}
