package synchrony

import (
	"context"
	"strings"

	"synchrony/internal/remote"
)

// remoteCatalog caches the remote enumerations for one invocation.
type remoteCatalog struct {
	client *remote.Client

	projects     []remote.Project
	trackers     []remote.Tracker
	statuses     []remote.IssueStatus
	priorities   []remote.IssuePriority
	customFields []remote.CustomField

	loadedProjects, loadedTrackers, loadedStatuses bool
	loadedPriorities, loadedCustomFields           bool
}

func newRemoteCatalog(client *remote.Client) *remoteCatalog {
	return &remoteCatalog{client: client}
}

func sameName(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func (c *remoteCatalog) project(ctx context.Context, name string) (remote.Project, bool, error) {
	if !c.loadedProjects {
		projects, err := c.client.ListProjects(ctx)
		if err != nil {
			return remote.Project{}, false, err
		}
		c.projects, c.loadedProjects = projects, true
	}
	for _, p := range c.projects {
		if sameName(p.Name, name) {
			return p, true, nil
		}
	}
	return remote.Project{}, false, nil
}

func (c *remoteCatalog) tracker(ctx context.Context, name string) (remote.Tracker, bool, error) {
	if !c.loadedTrackers {
		trackers, err := c.client.ListTrackers(ctx)
		if err != nil {
			return remote.Tracker{}, false, err
		}
		c.trackers, c.loadedTrackers = trackers, true
	}
	for _, t := range c.trackers {
		if sameName(t.Name, name) {
			return t, true, nil
		}
	}
	return remote.Tracker{}, false, nil
}

func (c *remoteCatalog) loadStatuses(ctx context.Context) error {
	if c.loadedStatuses {
		return nil
	}
	statuses, err := c.client.ListIssueStatuses(ctx)
	if err != nil {
		return err
	}
	c.statuses, c.loadedStatuses = statuses, true
	return nil
}

func (c *remoteCatalog) status(ctx context.Context, name string) (remote.IssueStatus, bool, error) {
	if err := c.loadStatuses(ctx); err != nil {
		return remote.IssueStatus{}, false, err
	}
	for _, s := range c.statuses {
		if sameName(s.Name, name) {
			return s, true, nil
		}
	}
	return remote.IssueStatus{}, false, nil
}

func (c *remoteCatalog) statusName(ctx context.Context, id int) (string, bool, error) {
	if err := c.loadStatuses(ctx); err != nil {
		return "", false, err
	}
	for _, s := range c.statuses {
		if s.ID == id {
			return s.Name, true, nil
		}
	}
	return "", false, nil
}

func (c *remoteCatalog) loadPriorities(ctx context.Context) error {
	if c.loadedPriorities {
		return nil
	}
	priorities, err := c.client.ListIssuePriorities(ctx)
	if err != nil {
		return err
	}
	c.priorities, c.loadedPriorities = priorities, true
	return nil
}

func (c *remoteCatalog) priority(ctx context.Context, name string) (remote.IssuePriority, bool, error) {
	if err := c.loadPriorities(ctx); err != nil {
		return remote.IssuePriority{}, false, err
	}
	for _, p := range c.priorities {
		if sameName(p.Name, name) {
			return p, true, nil
		}
	}
	return remote.IssuePriority{}, false, nil
}

func (c *remoteCatalog) priorityName(ctx context.Context, id int) (string, bool, error) {
	if err := c.loadPriorities(ctx); err != nil {
		return "", false, err
	}
	for _, p := range c.priorities {
		if p.ID == id {
			return p.Name, true, nil
		}
	}
	return "", false, nil
}

func (c *remoteCatalog) fieldDefinitions(ctx context.Context) ([]FieldDefinition, error) {
	if !c.loadedCustomFields {
		fields, err := c.client.ListCustomFields(ctx)
		if err != nil {
			return nil, err
		}
		c.customFields, c.loadedCustomFields = fields, true
	}
	defs := make([]FieldDefinition, 0, len(c.customFields))
	for _, cf := range c.customFields {
		if cf.CustomizedType != "" && cf.CustomizedType != "issue" {
			continue
		}
		defs = append(defs, RemoteFieldDefinition(cf))
	}
	return defs, nil
}
