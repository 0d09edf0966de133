package synchrony

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

func TestPullCreatesThenConverges(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("Crash on save", func(i *remote.Issue) {
		i.Description = "Steps to reproduce"
		i.DueDate = "2026-03-01"
		i.DoneRatio = 30
		i.CustomFields = append(i.CustomFields,
			remote.CustomFieldValue{ID: h.severity.ID, Value: []string{"Major"}},
			remote.CustomFieldValue{ID: h.components.ID, Multiple: true, Value: []string{"UI", "DB"}},
			remote.CustomFieldValue{ID: h.reviewer.ID, Value: []string{"102"}},
		)
	})

	res := h.pull()
	require.Len(t, res.Projects, 1)
	assert.Equal(t, Counts{Created: 1}, res.Total())

	issue := h.local(ri.ID)
	assert.Equal(t, "Crash on save", issue.Subject)
	assert.Equal(t, "Steps to reproduce", issue.Description)
	assert.Equal(t, h.f.Project, issue.ProjectID)
	assert.Equal(t, h.f.Bug, issue.TrackerID)
	assert.Equal(t, h.f.New, issue.StatusID)
	assert.Equal(t, h.f.Normal, issue.PriorityID)
	assert.Equal(t, h.f.Bob, issue.AuthorID)
	require.NotNil(t, issue.AssignedToID)
	assert.Equal(t, h.f.Alice, *issue.AssignedToID)
	require.NotNil(t, issue.DueDate)
	assert.Equal(t, "2026-03-01", issue.DueDate.Format(models.DateFormat))
	assert.Equal(t, 30, issue.DoneRatio)
	require.NotNil(t, issue.SynchronizedAt)
	assert.True(t, models.SameInstant(ri.UpdatedOn, *issue.SynchronizedAt))

	values := h.values(issue.ID)
	assert.Equal(t, []string{"1"}, values[h.f.Synchronizable])
	assert.Equal(t, []string{fmt.Sprintf("%s/issues/%d", h.srv.URL, ri.ID)}, values[h.f.RemoteURL])
	assert.Equal(t, []string{idString(h.f.Project)}, values[h.f.InitialProject])
	assert.Equal(t, []string{"Major"}, values[h.f.Severity])
	assert.Equal(t, []string{"UI", "DB"}, values[h.f.Components])
	assert.Equal(t, []string{idString(h.f.Bob)}, values[h.f.Reviewer])

	h.srv.ResetRequests()
	res = h.pull()
	assert.Equal(t, Counts{UpToDate: 1}, res.Total())
	assert.Equal(t, int64(1), h.localIssueCount())
	assert.Zero(t, h.srv.Mutations(), "pull never writes to the remote")
	assert.Equal(t, issue.LockVersion, h.reload(issue.ID).LockVersion, "a converged issue is not rewritten")
}

func TestPullUpdatesChangedIssue(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("Original")
	h.pull()
	before := h.local(ri.ID)

	h.srv.Update(ri.ID, func(i *remote.Issue) {
		i.Subject = "Renamed"
		i.Status = remote.Ref{ID: h.statProgress.ID}
		i.Priority = remote.Ref{ID: h.high.ID}
		i.AssignedTo = nil
	})
	res := h.pull()
	assert.Equal(t, Counts{Updated: 1}, res.Total())

	after := h.reload(before.ID)
	assert.Equal(t, "Renamed", after.Subject)
	assert.Equal(t, h.f.InProgress, after.StatusID)
	assert.Equal(t, h.f.High, after.PriorityID)
	require.NotNil(t, after.AssignedToID)
	assert.Equal(t, h.f.Alice, *after.AssignedToID, "an unassigned remote issue goes to the default assignee")
	assert.Equal(t, before.LockVersion+1, after.LockVersion)
	assert.Empty(t, h.journals(after.ID), "pulled changes are not journaled as local edits")
}

func TestPullFallsBackToDefaults(t *testing.T) {
	h := newHarness(t)
	archived := h.srv.AddStatus("Archived", true)
	ri := h.addRemoteIssue("Orphan", func(i *remote.Issue) {
		i.Author = remote.Ref{ID: remoteDave}
		i.AssignedTo = &remote.Ref{ID: remoteDave}
		i.Status = remote.Ref{ID: archived.ID}
	})

	assert.Equal(t, Counts{Created: 1}, h.pull().Total())
	issue := h.local(ri.ID)
	assert.Equal(t, h.f.Alice, issue.AuthorID, "unknown author becomes the default user")
	require.NotNil(t, issue.AssignedToID)
	assert.Equal(t, h.f.Alice, *issue.AssignedToID)
	assert.Equal(t, h.f.New, issue.StatusID, "unmapped status falls back to the default")
}

func TestPullUnassignedIssueGetsDefaultAssignee(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("Nobody's", func(i *remote.Issue) {
		i.AssignedTo = nil
	})

	assert.Equal(t, Counts{Created: 1}, h.pull().Total())
	issue := h.local(ri.ID)
	require.NotNil(t, issue.AssignedToID)
	assert.Equal(t, h.f.Alice, *issue.AssignedToID)
}

func TestPullTrackerProjectOverride(t *testing.T) {
	h := newHarness(t)
	h.site.TrackerProjectsSet = []map[string]string{{"local_project": "Other Project", "target_tracker": "Feature"}}
	ri := h.addRemoteIssue("Feature request", func(i *remote.Issue) {
		i.Tracker = remote.Ref{ID: h.feature.ID}
		i.AssignedTo = nil
	})

	h.pull()
	issue := h.local(ri.ID)
	assert.Equal(t, h.f.OtherProject, issue.ProjectID)
	assert.Equal(t, h.f.Feature, issue.TrackerID)
	assert.Equal(t, []string{idString(h.f.OtherProject)}, h.values(issue.ID)[h.f.InitialProject])
}

func TestPullSkipsExcludedIssues(t *testing.T) {
	h := newHarness(t)
	h.site.TrackersSet[1] = row(settings.DimTracker, "Feature", "Feature", "false")

	h.addRemoteIssue("Not shared", func(i *remote.Issue) { i.CustomFields = nil })
	h.addRemoteIssue("Disabled tracker", func(i *remote.Issue) { i.Tracker = remote.Ref{ID: h.feature.ID} })
	off := h.addRemoteIssue("Switched off locally")
	h.pull()

	local := h.local(off.ID)
	require.NoError(t, h.f.Store.SetIssueCustomValue(h.ctx, local.ID, h.f.Synchronizable, "0"))
	h.srv.Update(off.ID, func(i *remote.Issue) { i.Subject = "Changed remotely" })

	res := h.pull()
	assert.Equal(t, Counts{Skipped: 2}, res.Total())
	assert.Equal(t, int64(1), h.localIssueCount())
	assert.Equal(t, "Switched off locally", h.reload(local.ID).Subject)
}

func TestPullSkipsWhenDimensionTableMissing(t *testing.T) {
	h := newHarness(t)
	h.site.IssuePrioritiesSet = nil
	// Pull validation only covers present tables.
	h.addRemoteIssue("No priority table")

	res := h.pull()
	assert.Equal(t, Counts{Skipped: 1}, res.Total())
	assert.Zero(t, h.localIssueCount())
}

func TestPullConflictIsRetriedNextRun(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("Contended")
	h.pull()
	local := h.local(ri.ID)
	h.srv.Update(ri.ID, func(i *remote.Issue) { i.Subject = "Remote edit" })

	var once sync.Once
	h.srv.OnRequest = func(method, path string) {
		if method == http.MethodGet && path == fmt.Sprintf("/issues/%d.json", ri.ID) {
			once.Do(func() {
				// A local user saves the issue while the pull is in flight.
				err := h.f.Store.DB().Model(&models.Issue{}).Where("id = ?", local.ID).
					UpdateColumns(map[string]interface{}{"subject": "Local edit", "lock_version": gorm.Expr("lock_version + 1")}).Error
				assert.NoError(t, err)
			})
		}
	}

	res := h.pull()
	assert.Equal(t, Counts{Conflicts: 1}, res.Total())
	assert.Equal(t, "Local edit", h.reload(local.ID).Subject, "the concurrent local write wins")

	h.srv.OnRequest = nil
	res = h.pull()
	assert.Equal(t, Counts{Updated: 1}, res.Total())
	assert.Equal(t, "Remote edit", h.reload(local.ID).Subject)
}

func TestPullImportsJournalsAndAttachmentsOnce(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("With history")
	oldStatus, newStatus := idString(uint(h.statNew.ID)), idString(uint(h.statProgress.ID))
	h.srv.AddJournal(ri.ID, remote.Journal{
		User:  remote.Ref{ID: remoteAlice},
		Notes: "Looked into it",
		Details: []remote.JournalDetail{
			{Property: models.DetailAttr, Name: "status_id", OldValue: &oldStatus, NewValue: &newStatus},
			{Property: models.DetailAttr, Name: "assigned_to_id", OldValue: nil, NewValue: strPtr("102")},
		},
	})
	h.srv.AddJournal(ri.ID, remote.Journal{User: remote.Ref{ID: remoteDave}, Notes: "Private aside", PrivateNotes: true})
	ra := h.srv.AddAttachment(ri.ID, "trace log.txt", []byte("stack trace"), remoteBob)

	assert.Equal(t, Counts{Created: 1}, h.pull().Total())
	issue := h.local(ri.ID)

	journals := h.journals(issue.ID)
	require.Len(t, journals, 3)
	note := journals[0]
	assert.Equal(t, "Looked into it", note.Notes)
	assert.Equal(t, h.f.Alice, note.UserID)
	require.Len(t, note.Details, 2)
	assert.Equal(t, idString(h.f.New), *note.Details[0].OldValue)
	assert.Equal(t, idString(h.f.InProgress), *note.Details[0].Value)
	require.NotNil(t, note.Details[1].OldValue, "an empty assignee detail maps to the default assignee")
	assert.Equal(t, idString(h.f.Alice), *note.Details[1].OldValue)
	assert.Equal(t, idString(h.f.Bob), *note.Details[1].Value)

	private := journals[1]
	assert.True(t, private.PrivateNotes)
	assert.Equal(t, h.f.Alice, private.UserID, "unknown journal author becomes the default user")

	attachments, err := h.f.Store.IssueAttachments(h.ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	att := attachments[0]
	assert.Equal(t, "trace log.txt", att.Filename)
	assert.Equal(t, h.f.Bob, att.AuthorID)
	require.NotNil(t, att.SynchronyID)
	assert.Equal(t, ra.ID, *att.SynchronyID)
	assert.NotContains(t, att.DiskFilename, " ")
	data, err := os.ReadFile(att.DiskPath(h.f.Dir))
	require.NoError(t, err)
	assert.Equal(t, "stack trace", string(data))
	st, err := os.Stat(att.DiskPath(h.f.Dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())

	attJournal := journals[2]
	assert.True(t, attJournal.Linked())
	require.Len(t, attJournal.Details, 1)
	assert.Equal(t, models.DetailAttachment, attJournal.Details[0].Property)
	assert.Equal(t, idString(att.ID), attJournal.Details[0].PropKey)
	assert.Equal(t, "trace log.txt", *attJournal.Details[0].Value)

	h.srv.Update(ri.ID, func(i *remote.Issue) { i.Subject = "With history, edited" })
	assert.Equal(t, Counts{Updated: 1}, h.pull().Total())
	assert.Len(t, h.journals(issue.ID), 3, "journals are imported once")
	attachments, err = h.f.Store.IssueAttachments(h.ctx, issue.ID)
	require.NoError(t, err)
	assert.Len(t, attachments, 1, "attachments are imported once")
}

func TestPullSkipsFailedDownload(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("Broken file")
	ra := h.srv.AddAttachment(ri.ID, "gone.bin", []byte("x"), remoteBob)
	h.srv.FailNext(http.MethodGet, fmt.Sprintf("/attachments/download/%d/gone.bin", ra.ID), http.StatusForbidden, 1)

	assert.Equal(t, Counts{Created: 1}, h.pull().Total())
	issue := h.local(ri.ID)
	attachments, err := h.f.Store.IssueAttachments(h.ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, attachments)

	h.srv.Update(ri.ID, func(i *remote.Issue) { i.Subject = "Broken file, retried" })
	h.pull()
	attachments, err = h.f.Store.IssueAttachments(h.ctx, issue.ID)
	require.NoError(t, err)
	assert.Len(t, attachments, 1, "the next run picks the file up")
}

func TestPullLinksEchoedNote(t *testing.T) {
	h := newHarness(t)
	ri := h.addRemoteIssue("Discussed")
	h.pull()
	issue := h.local(ri.ID)

	localNote := &models.Journal{IssueID: issue.ID, UserID: h.f.Bob, Notes: "Fixed in main"}
	require.NoError(t, h.f.Store.CreateJournal(h.ctx, localNote, time.Time{}))
	echo := h.srv.AddJournal(ri.ID, remote.Journal{
		User:  remote.Ref{ID: 1},
		Notes: NewLoopGuard("").MarkNote("Bob Builder", "Fixed in main"),
	})

	h.pull()
	journals := h.journals(issue.ID)
	require.Len(t, journals, 1, "the echo is linked, not imported")
	require.True(t, journals[0].Linked())
	assert.Equal(t, echo.ID, *journals[0].SynchronyID)
}

func TestPullConfigurationError(t *testing.T) {
	h := newHarness(t)
	h.site.APIKey = ""

	_, err := h.puller().Pull(h.ctx)
	require.Error(t, err)
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "api_key", ce.Setting)
	assert.Empty(t, h.srv.Requests())
}

func TestPullMissingBookkeepingField(t *testing.T) {
	h := newHarness(t)
	h.site.LocalRemoteURL = 999

	_, err := h.puller().Pull(h.ctx)
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "local_remote_url", ce.Setting)
}

func TestPullUnavailable(t *testing.T) {
	h := newHarness(t)
	h.addRemoteIssue("Never fetched")
	h.srv.FailNext(http.MethodGet, "/projects.json", http.StatusServiceUnavailable, 10)

	_, err := h.puller().Pull(h.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrUnavailable), "got %v", err)
	assert.False(t, IsConfigurationError(err))
	assert.Zero(t, h.localIssueCount())
}

func TestPullMissingProject(t *testing.T) {
	h := newHarness(t)
	h.site.ProjectsSet = append(h.site.ProjectsSet, row(settings.DimProject, "Other Project", "Vanished", "true"))

	res := h.pull()
	require.Len(t, res.Projects, 2)
	assert.False(t, res.Projects[0].NotFound)
	assert.True(t, res.Projects[1].NotFound)
}
