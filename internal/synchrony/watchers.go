package synchrony

import (
	"context"
	"errors"
	"sort"

	"synchrony/internal/remote"
)

// DiffWatchers returns the remote user ids to add and to remove.
func DiffWatchers(desired, current []int) (add, remove []int) {
	want := make(map[int]bool, len(desired))
	for _, id := range desired {
		want[id] = true
	}
	have := make(map[int]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	for id := range want {
		if !have[id] {
			add = append(add, id)
		}
	}
	for id := range have {
		if !want[id] {
			remove = append(remove, id)
		}
	}
	sort.Ints(add)
	sort.Ints(remove)
	return add, remove
}

// reconcileWatchers makes the remote watcher list match the local one.
// Remote watchers without a local identity are not touched.
func (r *pushRun) reconcileWatchers(ctx context.Context) error {
	local, err := r.store.IssueWatchers(ctx, r.issue.ID)
	if err != nil {
		return err
	}
	var desired []int
	for _, w := range local {
		if rid, ok := r.principals.ToRemote(w.UserID); ok {
			desired = append(desired, rid)
		}
	}
	var current []int
	for _, w := range r.remoteIssue.Watchers {
		if _, ok := r.principals.ToLocal(w.ID); ok {
			current = append(current, w.ID)
		}
	}

	add, remove := DiffWatchers(desired, current)
	for _, id := range add {
		if err := r.client.AddWatcher(ctx, r.remoteID, id); err != nil {
			if isUnavailable(err) {
				return err
			}
			r.log.Warn("watcher could not be added", "user_id", id, "error", err)
			continue
		}
		r.result.WatchersAdded++
	}
	for _, id := range remove {
		err := r.client.RemoveWatcher(ctx, r.remoteID, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			if isUnavailable(err) {
				return err
			}
			r.log.Warn("watcher could not be removed", "user_id", id, "error", err)
			continue
		}
		r.result.WatchersRemoved++
	}
	return nil
}
