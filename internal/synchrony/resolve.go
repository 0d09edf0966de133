package synchrony

import (
	"context"
	"errors"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

// resolvedFields are the local ids a remote issue maps to.
type resolvedFields struct {
	ProjectID    uint
	TrackerID    uint
	StatusID     uint
	PriorityID   uint
	AuthorID     uint
	AssignedToID *uint
	ParentID     *uint
}

// resolveIdentityField returns the local user field holding remote
// identities: local_remote_identity, else the field named "Remote User ID".
func resolveIdentityField(ctx context.Context, store *db.Store, site *settings.Site) (uint, error) {
	if site.LocalRemoteIdentity != 0 {
		return site.LocalRemoteIdentity, nil
	}
	cf, err := store.FindCustomFieldByName(ctx, models.CustomFieldTypeUser, RemoteIdentityFieldName)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cf.ID, nil
}

func (p *Puller) resolve(ctx context.Context, ri *remote.Issue) (resolvedFields, error) {
	var f resolvedFields
	var err error
	d := p.mappings.Defaults

	if f.PriorityID, err = p.localID(ctx, settings.DimIssuePriority, ri.Priority.Name, d.IssuePriority); err != nil {
		return f, err
	}
	if f.StatusID, err = p.localID(ctx, settings.DimIssueStatus, ri.Status.Name, d.IssueStatus); err != nil {
		return f, err
	}
	if f.TrackerID, err = p.localID(ctx, settings.DimTracker, ri.Tracker.Name, d.Tracker); err != nil {
		return f, err
	}
	if f.ProjectID, err = p.projectID(ctx, ri); err != nil {
		return f, err
	}

	// Unassigned and unknown assignees both fall back to the default.
	f.AssignedToID = p.defaultAssignee()
	if ri.AssignedTo != nil {
		if local, ok := p.principals.ToLocal(ri.AssignedTo.ID); ok {
			f.AssignedToID = &local
		}
	}
	if local, ok := p.principals.ToLocal(ri.Author.ID); ok {
		f.AuthorID = local
	} else {
		f.AuthorID = d.Assignee
	}

	if ri.Parent != nil {
		parent, err := p.store.FindIssueBySynchronyID(ctx, ri.Parent.ID)
		switch {
		case err == nil:
			f.ParentID = &parent.ID
		case !errors.Is(err, db.ErrNotFound):
			return f, err
		}
	}
	return f, nil
}

// localID maps a remote name through the dimension table to a local id,
// falling back to def.
func (p *Puller) localID(ctx context.Context, dim settings.Dimension, targetName string, def uint) (uint, error) {
	entry, ok := p.mappings.ByTarget(dim, targetName)
	if !ok || entry.Local == "" {
		return def, nil
	}
	id, err := lookupLocal(ctx, p.store, dim, entry.Local)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.Info("local value not found, using default", "dimension", string(dim), "name", entry.Local)
		return def, nil
	}
	return id, err
}

// projectID applies the tracker override table, then the project mapping,
// then the default project.
func (p *Puller) projectID(ctx context.Context, ri *remote.Issue) (uint, error) {
	if name, ok := p.mappings.ProjectForTracker(ri.Tracker.Name); ok {
		id, err := lookupLocal(ctx, p.store, settings.DimProject, name)
		if err == nil || !errors.Is(err, db.ErrNotFound) {
			return id, err
		}
		p.logger.Info("tracker project override not found", "project", name)
	}
	return p.localID(ctx, settings.DimProject, ri.Project.Name, p.mappings.Defaults.Project)
}

func lookupLocal(ctx context.Context, store *db.Store, dim settings.Dimension, name string) (uint, error) {
	switch dim {
	case settings.DimProject:
		v, err := store.FindProjectByName(ctx, name)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case settings.DimTracker:
		v, err := store.FindTrackerByName(ctx, name)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case settings.DimIssueStatus:
		v, err := store.FindStatusByName(ctx, name)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case settings.DimIssuePriority:
		v, err := store.FindPriorityByName(ctx, name)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case settings.DimCustomField:
		v, err := store.FindCustomFieldByName(ctx, models.CustomFieldTypeIssue, name)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	}
	return 0, db.ErrNotFound
}
