package settings

import (
	"strings"
)

// Dimension names one mapping table.
type Dimension string

const (
	DimProject       Dimension = "project"
	DimTracker       Dimension = "tracker"
	DimIssueStatus   Dimension = "issue_status"
	DimIssuePriority Dimension = "issue_priority"
	DimCustomField   Dimension = "custom_field"
)

// Dimensions lists every mapping dimension in validation order.
var Dimensions = []Dimension{DimProject, DimTracker, DimIssueStatus, DimIssuePriority, DimCustomField}

// MappingEntry is one row of a mapping table.
type MappingEntry struct {
	Local  string
	Target string
	Sync   string
}

// Enabled reports whether the entry takes part in synchronization.
func (e MappingEntry) Enabled() bool {
	s := strings.TrimSpace(e.Sync)
	return s == "true" || s == "1"
}

// Defaults are the local fallback ids for per-value mapping misses.
type Defaults struct {
	Assignee      uint
	Tracker       uint
	Project       uint
	IssueStatus   uint
	IssuePriority uint
}

// MappingTables translates names between the two sides.
type MappingTables struct {
	tables          map[Dimension][]MappingEntry
	trackerProjects []MappingEntry
	Defaults        Defaults
}

// Mappings builds the site's mapping tables. A dimension whose array is
// absent from the document has no table at all.
func (s *Site) Mappings() *MappingTables {
	m := &MappingTables{
		tables: make(map[Dimension][]MappingEntry),
		Defaults: Defaults{
			Assignee:      s.LocalDefaultAssignee,
			Tracker:       s.LocalDefaultTracker,
			Project:       s.LocalDefaultProject,
			IssueStatus:   s.LocalDefaultIssueStatus,
			IssuePriority: s.LocalDefaultIssuePriority,
		},
	}
	raw := map[Dimension][]map[string]string{
		DimProject:       s.ProjectsSet,
		DimTracker:       s.TrackersSet,
		DimIssueStatus:   s.IssueStatusesSet,
		DimIssuePriority: s.IssuePrioritiesSet,
		DimCustomField:   s.CustomFieldsSet,
	}
	for dim, rows := range raw {
		if rows == nil {
			continue
		}
		entries := make([]MappingEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, MappingEntry{
				Local:  strings.TrimSpace(row["local_"+string(dim)]),
				Target: strings.TrimSpace(row["target_"+string(dim)]),
				Sync:   row["sync"],
			})
		}
		m.tables[dim] = entries
	}
	for _, row := range s.TrackerProjectsSet {
		m.trackerProjects = append(m.trackerProjects, MappingEntry{
			Local:  strings.TrimSpace(row["local_project"]),
			Target: strings.TrimSpace(row["target_tracker"]),
			Sync:   "true",
		})
	}
	return m
}

// Has reports whether the dimension table is configured at all.
func (m *MappingTables) Has(dim Dimension) bool {
	_, ok := m.tables[dim]
	return ok
}

// Entries returns every entry of a dimension.
func (m *MappingTables) Entries(dim Dimension) []MappingEntry {
	return m.tables[dim]
}

// ByLocal finds the entry whose local value equals name.
func (m *MappingTables) ByLocal(dim Dimension, name string) (MappingEntry, bool) {
	name = strings.TrimSpace(name)
	for _, e := range m.tables[dim] {
		if e.Local == name {
			return e, true
		}
	}
	return MappingEntry{}, false
}

// ByTarget finds the entry whose target value equals name.
func (m *MappingTables) ByTarget(dim Dimension, name string) (MappingEntry, bool) {
	name = strings.TrimSpace(name)
	for _, e := range m.tables[dim] {
		if e.Target == name {
			return e, true
		}
	}
	return MappingEntry{}, false
}

// EnabledTargets returns the distinct target values of enabled entries, in
// document order.
func (m *MappingTables) EnabledTargets(dim Dimension) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range m.tables[dim] {
		if e.Enabled() && e.Target != "" && !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out
}

// Covered reports whether every enabled entry names a target value.
func (m *MappingTables) Covered(dim Dimension) bool {
	for _, e := range m.tables[dim] {
		if e.Enabled() && e.Target == "" {
			return false
		}
	}
	return true
}

// ProjectForTracker returns the local project name the override table
// assigns to a target tracker.
func (m *MappingTables) ProjectForTracker(targetTracker string) (string, bool) {
	targetTracker = strings.TrimSpace(targetTracker)
	for _, e := range m.trackerProjects {
		if e.Target == targetTracker && e.Local != "" {
			return e.Local, true
		}
	}
	return "", false
}
