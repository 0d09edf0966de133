package synchrony

import (
	"context"
	"errors"
	"sort"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/remote"
)

// RelationKey identifies a relation by remote endpoints. Reverse types are
// stored in their forward form.
type RelationKey struct {
	Type  string
	From  int
	To    int
	Delay int
}

var reverseRelations = map[string]string{
	models.RelationBlocked:    models.RelationBlocks,
	models.RelationFollows:    models.RelationPrecedes,
	models.RelationDuplicated: models.RelationDuplicates,
	models.RelationCopiedFrom: models.RelationCopiedTo,
}

// NewRelationKey normalizes a relation.
func NewRelationKey(relationType string, from, to int, delay *int) RelationKey {
	k := RelationKey{Type: relationType, From: from, To: to}
	if delay != nil {
		k.Delay = *delay
	}
	if forward, ok := reverseRelations[relationType]; ok {
		k.Type, k.From, k.To = forward, to, from
	}
	if k.Type == "" {
		k.Type = models.RelationRelates
	}
	if k.Type == models.RelationRelates && k.From > k.To {
		k.From, k.To = k.To, k.From
	}
	return k
}

// DiffRelations returns the relations to create and the remote relation ids
// to delete so that current matches desired.
func DiffRelations(desired []RelationKey, current map[RelationKey]int) (create []RelationKey, remove []int) {
	want := make(map[RelationKey]bool, len(desired))
	for _, k := range desired {
		if want[k] {
			continue
		}
		want[k] = true
		if _, ok := current[k]; !ok {
			create = append(create, k)
		}
	}
	for k, id := range current {
		if !want[k] {
			remove = append(remove, id)
		}
	}
	sort.Slice(create, func(i, j int) bool {
		a, b := create[i], create[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Type < b.Type
	})
	sort.Ints(remove)
	return create, remove
}

// reconcileRelations makes the remote relations between linked issues match
// the local ones. Relations to issues that are not linked are left alone.
func (r *pushRun) reconcileRelations(ctx context.Context) error {
	local, err := r.store.IssueRelations(ctx, r.issue.ID)
	if err != nil {
		return err
	}
	var desired []RelationKey
	for _, rel := range local {
		from, ok, err := r.remoteEndpoint(ctx, rel.IssueFromID)
		if err != nil {
			return err
		}
		to, ok2, err := r.remoteEndpoint(ctx, rel.IssueToID)
		if err != nil {
			return err
		}
		if !ok || !ok2 {
			continue
		}
		desired = append(desired, NewRelationKey(rel.RelationType, from, to, rel.Delay))
	}

	current := make(map[RelationKey]int)
	for _, rel := range r.remoteIssue.Relations {
		managed, err := r.managedEndpoints(ctx, rel)
		if err != nil {
			return err
		}
		if managed {
			current[NewRelationKey(rel.RelationType, rel.IssueID, rel.IssueToID, rel.Delay)] = rel.ID
		}
	}

	create, remove := DiffRelations(desired, current)
	for _, k := range create {
		payload := remote.RelationPayload{IssueToID: k.To, RelationType: k.Type}
		if k.Delay != 0 {
			delay := k.Delay
			payload.Delay = &delay
		}
		if _, err := r.client.CreateRelation(ctx, k.From, payload); err != nil {
			if isUnavailable(err) {
				return err
			}
			r.log.Warn("relation could not be created", "type", k.Type, "from", k.From, "to", k.To, "error", err)
			continue
		}
		r.result.RelationsCreated++
	}
	for _, id := range remove {
		err := r.client.DeleteRelation(ctx, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			if isUnavailable(err) {
				return err
			}
			r.log.Warn("relation could not be deleted", "relation_id", id, "error", err)
			continue
		}
		r.result.RelationsDeleted++
	}
	return nil
}

// remoteEndpoint returns the remote id of a local issue.
func (r *pushRun) remoteEndpoint(ctx context.Context, issueID uint) (int, bool, error) {
	if issueID == r.issue.ID {
		return r.remoteID, true, nil
	}
	issue, err := r.store.FindIssue(ctx, issueID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !issue.Linked() {
		return 0, false, nil
	}
	return *issue.SynchronyID, true, nil
}

// managedEndpoints reports whether both ends of a remote relation are linked
// to local issues.
func (r *pushRun) managedEndpoints(ctx context.Context, rel remote.Relation) (bool, error) {
	for _, id := range []int{rel.IssueID, rel.IssueToID} {
		if id == r.remoteID {
			continue
		}
		_, err := r.store.FindIssueBySynchronyID(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}
