package synchrony

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

func (h *harness) runner(sites ...*settings.Site) *Runner {
	if len(sites) == 0 {
		sites = []*settings.Site{h.site}
	}
	return &Runner{
		Store:       h.f.Store,
		Sites:       sites,
		Parallelism: 2,
		SyncedBy:    "tester",
		Machine:     "ci",
	}
}

func (h *harness) runs() map[string]models.SyncRun {
	h.t.Helper()
	runs, err := h.f.Store.RecentRuns(h.ctx, 10)
	require.NoError(h.t, err)
	out := make(map[string]models.SyncRun, len(runs))
	for _, r := range runs {
		out[r.Site+"/"+r.Direction] = r
	}
	return out
}

func TestRunnerPullAllIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.addRemoteIssue("Pulled despite a broken neighbour")
	broken := *h.site
	broken.Name = "broken"
	broken.APIKey = ""

	results, err := h.runner(h.site, &broken).PullAll(h.ctx)
	require.Error(t, err)
	var cfgErr *settings.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "api_key", cfgErr.Setting)

	require.Len(t, results, 2)
	require.NotNil(t, results[0])
	assert.Equal(t, Counts{Created: 1}, results[0].Total())

	runs := h.runs()
	require.Len(t, runs, 2)
	ok := runs["upstream/pull"]
	assert.True(t, ok.Succeeded())
	assert.Equal(t, 1, ok.Created)
	assert.Equal(t, "tester", ok.SyncedBy)
	assert.Equal(t, "ci", ok.Machine)
	failed := runs["broken/pull"]
	require.NotNil(t, failed.FinishedAt)
	assert.False(t, failed.Succeeded())
	assert.Contains(t, failed.Error, "api_key")
}

func TestRunnerPushIssue(t *testing.T) {
	h := newHarness(t)
	issue := h.addLocalIssue("Pushed by hand", nil)

	results, err := h.runner().PushIssue(h.ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionCreated, results[0].Action)

	run := h.runs()["upstream/push"]
	assert.True(t, run.Succeeded())
	assert.Equal(t, 1, run.Created)

	h.srv.Reject = func(remote.IssuePayload) []string { return []string{"Tracker is invalid"} }
	results, err = h.runner().PushIssue(h.ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionRejected, results[0].Action)
}
