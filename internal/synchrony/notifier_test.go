package synchrony

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synchrony/internal/models"
)

func TestPushListener(t *testing.T) {
	h := newHarness(t)
	h.f.Store.OnIssueSaved(PushListener(nil, h.pusher()))

	issue := h.addLocalIssue("Pushed on save", nil)
	assert.Equal(t, 1, h.srv.IssueCount())
	require.True(t, h.reload(issue.ID).Linked())

	h.srv.ResetRequests()
	local := h.reload(issue.ID)
	local.Subject = "Written by a pull"
	local.SkipSynchronization = true
	h.save(local)
	assert.Empty(t, h.srv.Requests(), "saves made by synchronization are not pushed back")
}

func TestPushQueueCoalescesSaves(t *testing.T) {
	h := newHarness(t)
	q := NewPushQueue(nil, h.pusher())
	h.f.Store.OnIssueSaved(q.Listener())

	issue := h.addLocalIssue("Queued", nil)
	local := h.reload(issue.ID)
	local.Subject = "Queued twice"
	h.save(local)
	q.Enqueue(models.IssueEvent{IssueID: issue.ID, SkipSynchronization: true})
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, h.srv.Requests(), "nothing is pushed before a drain")

	assert.Equal(t, 1, q.Drain(h.ctx))
	assert.Zero(t, q.Len())
	require.Equal(t, 1, h.srv.IssueCount())
	assert.Equal(t, 1, h.srv.Count(http.MethodPost, "/issues.json"))
	assert.Equal(t, "Queued twice", h.remoteIssue(*h.reload(issue.ID).SynchronyID).Subject)
}

func TestPushQueueRetriesUnavailableRemote(t *testing.T) {
	h := newHarness(t)
	q := NewPushQueue(nil, h.pusher())
	issue := h.addLocalIssue("Flaky", nil)
	h.srv.FailNext(http.MethodPost, "/issues.json", http.StatusServiceUnavailable, 1)

	q.Enqueue(models.IssueEvent{IssueID: issue.ID, Created: true})
	assert.Zero(t, q.Drain(h.ctx))
	assert.Equal(t, 1, q.Len(), "an unavailable remote keeps the save queued")

	assert.Equal(t, 1, q.Drain(h.ctx))
	assert.Zero(t, q.Len())
	assert.True(t, h.reload(issue.ID).Linked())
}

func TestPushQueueAbandonsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	q := NewPushQueue(nil, h.pusher())
	q.MaxAttempts = 2
	issue := h.addLocalIssue("Unreachable", nil)
	h.srv.FailNext(http.MethodPost, "/issues.json", http.StatusServiceUnavailable, 5)

	q.Enqueue(models.IssueEvent{IssueID: issue.ID})
	assert.Zero(t, q.Drain(h.ctx))
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, q.Drain(h.ctx))
	assert.Zero(t, q.Len())
	assert.Equal(t, 2, h.srv.Count(http.MethodPost, "/issues.json"))
}

func TestPushQueueDoesNotRetryOtherErrors(t *testing.T) {
	h := newHarness(t)
	h.site.APIKey = ""
	q := NewPushQueue(nil, h.pusher())
	issue := h.addLocalIssue("Misconfigured", nil)

	q.Enqueue(models.IssueEvent{IssueID: issue.ID})
	assert.Zero(t, q.Drain(h.ctx))
	assert.Zero(t, q.Len())
}

func TestPushQueueRun(t *testing.T) {
	h := newHarness(t)
	q := NewPushQueue(nil, h.pusher())
	q.Interval = time.Hour
	h.f.Store.OnIssueSaved(q.Listener())

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	h.addLocalIssue("Delivered in the background", nil)
	assert.Eventually(t, func() bool { return h.srv.IssueCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPushQueueEnqueueUpdatedSince(t *testing.T) {
	h := newHarness(t)
	q := NewPushQueue(nil, h.pusher())
	before := h.addLocalIssue("Saved before the cutoff", nil)
	since := h.reload(before.ID).UpdatedOn

	next, err := q.EnqueueUpdatedSince(h.ctx, h.f.Store, since)
	require.NoError(t, err)
	assert.Equal(t, since, next, "the cursor holds when nothing changed")
	assert.Zero(t, q.Len())

	time.Sleep(5 * time.Millisecond)
	after := h.addLocalIssue("Saved after the cutoff", nil)
	next, err = q.EnqueueUpdatedSince(h.ctx, h.f.Store, since)
	require.NoError(t, err)
	assert.True(t, next.After(since))
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 1, q.Drain(h.ctx))
	assert.True(t, h.reload(after.ID).Linked())
	assert.False(t, h.reload(before.ID).Linked())
}

func TestPushQueueWatch(t *testing.T) {
	h := newHarness(t)
	q := NewPushQueue(nil, h.pusher())
	q.Interval = time.Hour
	h.addLocalIssue("Saved before watching", nil)
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- q.Watch(ctx, h.f.Store, time.Now(), 10*time.Millisecond) }()

	time.Sleep(5 * time.Millisecond)
	issue := h.addLocalIssue("Saved by another writer", nil)
	assert.Eventually(t, func() bool { return h.reload(issue.ID).Linked() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.srv.IssueCount(), "only saves made while watching are pushed")

	// Linking after the push does not count as a new save.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.srv.Count(http.MethodPost, "/issues.json"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
