package synchrony

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synchrony/internal/db"
	"synchrony/internal/db/dbtest"
	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/remote/remotetest"
	"synchrony/internal/settings"
)

// Remote principals. 101 and 102 are Alice's and Bob's remote identities in
// the seeded store; 103 has no local counterpart.
const (
	remoteAlice = 101
	remoteBob   = 102
	remoteDave  = 103
)

type harness struct {
	t    *testing.T
	ctx  context.Context
	f    *dbtest.Fixture
	srv  *remotetest.Server
	site *settings.Site

	project                       remote.Project
	bug, feature                  remote.Tracker
	statNew, statProgress, closed remote.IssueStatus
	normal, high                  remote.IssuePriority

	remoteSwitch, authorField, taskURL remote.CustomField
	severity, components, reviewer     remote.CustomField
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), f: dbtest.Seed(t), srv: remotetest.NewServer()}
	t.Cleanup(h.srv.Close)

	h.srv.AddUser(remoteAlice, "Alice Remote")
	h.srv.AddUser(remoteBob, "Bob Remote")
	h.srv.AddUser(remoteDave, "Dave Remote")

	h.project = h.srv.AddProject("Remote Project")
	h.srv.AddProject("Archive")
	h.bug = h.srv.AddTracker("Bug")
	h.feature = h.srv.AddTracker("Feature")
	h.statNew = h.srv.AddStatus("New", false)
	h.statProgress = h.srv.AddStatus("In Progress", false)
	h.closed = h.srv.AddStatus("Closed", true)
	h.normal = h.srv.AddPriority("Normal")
	h.high = h.srv.AddPriority("High")

	h.remoteSwitch = h.srv.AddCustomField(remote.CustomField{Name: "Synchronizable", FieldFormat: models.FieldFormatBool})
	h.authorField = h.srv.AddCustomField(remote.CustomField{Name: "Author ID", FieldFormat: models.FieldFormatString})
	h.taskURL = h.srv.AddCustomField(remote.CustomField{Name: "Task URL", FieldFormat: models.FieldFormatLink})
	h.severity = h.srv.AddCustomField(remote.CustomField{
		Name:           "Severity",
		FieldFormat:    models.FieldFormatList,
		PossibleValues: []remote.PossibleValue{{Value: "Minor"}, {Value: "Major"}},
	})
	h.components = h.srv.AddCustomField(remote.CustomField{
		Name:           "Components",
		FieldFormat:    models.FieldFormatList,
		Multiple:       true,
		PossibleValues: []remote.PossibleValue{{Value: "UI"}, {Value: "API"}},
	})
	h.reviewer = h.srv.AddCustomField(remote.CustomField{Name: "Reviewer", FieldFormat: models.FieldFormatUser})

	f := h.f
	h.site = &settings.Site{
		Name:       "upstream",
		LocalSite:  "http://local.test",
		TargetSite: h.srv.URL,
		APIKey:     remotetest.APIKey,

		LocalDefaultAssignee:      f.Alice,
		LocalDefaultTracker:       f.Bug,
		LocalDefaultProject:       f.Project,
		LocalDefaultIssueStatus:   f.New,
		LocalDefaultIssuePriority: f.Normal,

		LocalSynchronizableSwitch: f.Synchronizable,
		LocalRemoteURL:            f.RemoteURL,
		LocalLastSyncSuccessful:   f.LastSyncSuccessful,
		LocalInitialProject:       f.InitialProject,
		LocalRemoteIdentity:       f.RemoteUserID,

		RemoteSynchronizableSwitch: h.remoteSwitch.ID,
		RemoteCFForAuthor:          h.authorField.ID,
		RemoteTaskURL:              h.taskURL.ID,

		JournalMarker: settings.DefaultJournalMarker,
		FilesDir:      f.Dir,
		LookBack:      time.Hour,
		Timeout:       5 * time.Second,

		ProjectsSet: []map[string]string{
			row(settings.DimProject, "Local Project", "Remote Project", "true"),
		},
		TrackersSet: []map[string]string{
			row(settings.DimTracker, "Bug", "Bug", "true"),
			row(settings.DimTracker, "Feature", "Feature", "true"),
		},
		IssueStatusesSet: []map[string]string{
			row(settings.DimIssueStatus, "New", "New", "true"),
			row(settings.DimIssueStatus, "In Progress", "In Progress", "true"),
			row(settings.DimIssueStatus, "Closed", "Closed", "true"),
		},
		IssuePrioritiesSet: []map[string]string{
			row(settings.DimIssuePriority, "Normal", "Normal", "true"),
			row(settings.DimIssuePriority, "High", "High", "true"),
			row(settings.DimIssuePriority, "Low", "Low", "true"),
		},
		CustomFieldsSet: []map[string]string{
			row(settings.DimCustomField, "Severity", "Severity", "true"),
			row(settings.DimCustomField, "Components", "Components", "true"),
			row(settings.DimCustomField, "Reviewer", "Reviewer", "true"),
		},
	}
	return h
}

func row(dim settings.Dimension, local, target, sync string) map[string]string {
	return map[string]string{
		"local_" + string(dim):  local,
		"target_" + string(dim): target,
		"sync":                  sync,
	}
}

func (h *harness) opts() Options {
	return Options{RetryInterval: time.Millisecond}
}

func (h *harness) puller() *Puller {
	return NewPuller(h.f.Store, h.site, h.opts())
}

func (h *harness) pusher() *Pusher {
	return NewPusher(h.f.Store, h.site, h.opts())
}

func (h *harness) pull() *PullResult {
	h.t.Helper()
	res, err := h.puller().Pull(h.ctx)
	require.NoError(h.t, err)
	return res
}

func (h *harness) push(issueID uint) *PushResult {
	h.t.Helper()
	res, err := h.pusher().Push(h.ctx, issueID, models.IssueEvent{IssueID: issueID})
	require.NoError(h.t, err)
	return res
}

// addRemoteIssue stores a synchronizable remote Bug authored by Bob and
// assigned to Alice.
func (h *harness) addRemoteIssue(subject string, mutate ...func(*remote.Issue)) *remote.Issue {
	issue := remote.Issue{
		Project:    remote.Ref{ID: h.project.ID},
		Tracker:    remote.Ref{ID: h.bug.ID},
		Status:     remote.Ref{ID: h.statNew.ID},
		Priority:   remote.Ref{ID: h.normal.ID},
		Author:     remote.Ref{ID: remoteBob},
		AssignedTo: &remote.Ref{ID: remoteAlice},
		Subject:    subject,
		CustomFields: []remote.CustomFieldValue{
			{ID: h.remoteSwitch.ID, Value: []string{"1"}},
		},
	}
	for _, fn := range mutate {
		fn(&issue)
	}
	return h.srv.AddIssue(issue)
}

// addLocalIssue saves a synchronizable local issue with extra custom values.
func (h *harness) addLocalIssue(subject string, values map[uint][]string) *models.Issue {
	if values == nil {
		values = map[uint][]string{}
	}
	if _, ok := values[h.f.Synchronizable]; !ok {
		values[h.f.Synchronizable] = []string{"1"}
	}
	issue := h.f.NewIssue(subject)
	return h.f.CreateIssue(h.t, issue, values)
}

func (h *harness) local(remoteID int) *models.Issue {
	h.t.Helper()
	issue, err := h.f.Store.FindIssueBySynchronyID(h.ctx, remoteID)
	require.NoError(h.t, err)
	return issue
}

func (h *harness) reload(id uint) *models.Issue {
	h.t.Helper()
	issue, err := h.f.Store.FindIssue(h.ctx, id)
	require.NoError(h.t, err)
	return issue
}

func (h *harness) values(issueID uint) map[uint][]string {
	h.t.Helper()
	values, err := h.f.Store.IssueCustomValues(h.ctx, issueID)
	require.NoError(h.t, err)
	return models.FieldValues(values)
}

func (h *harness) journals(issueID uint) []models.Journal {
	h.t.Helper()
	journals, err := h.f.Store.IssueJournals(h.ctx, issueID)
	require.NoError(h.t, err)
	return journals
}

func (h *harness) remoteIssue(id int) remote.Issue {
	h.t.Helper()
	issue, ok := h.srv.Issue(id)
	require.True(h.t, ok, "remote issue %d missing", id)
	return issue
}

func (h *harness) localIssueCount() int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.f.Store.DB().Model(&models.Issue{}).Count(&n).Error)
	return n
}

func (h *harness) save(issue *models.Issue) {
	h.t.Helper()
	require.NoError(h.t, h.f.Store.SaveIssue(h.ctx, db.IssueChange{Issue: issue}))
}

func remoteValue(issue remote.Issue, fieldID int) []string {
	cf, _ := issue.CustomField(fieldID)
	return cf.Value
}

func strPtr(s string) *string { return &s }
