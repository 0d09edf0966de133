package settings

import (
	"fmt"
)

// ConfigurationError names a required setting or mapping that is absent.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("synchronization setting %q is missing", e.Setting)
}

type requirement struct {
	setting string
	ok      func(*Site, *MappingTables) bool
}

var (
	reqLocalSite  = requirement{"local_site", func(s *Site, _ *MappingTables) bool { return s.LocalSite != "" }}
	reqTargetSite = requirement{"target_site", func(s *Site, _ *MappingTables) bool { return s.TargetSite != "" }}
	reqAPIKey     = requirement{"api_key", func(s *Site, _ *MappingTables) bool { return s.APIKey != "" && s.APIKey != "-" }}
	reqProjects   = requirement{"projects_set", func(_ *Site, m *MappingTables) bool { return len(m.Entries(DimProject)) > 0 }}

	reqLocalSwitch  = requirement{"local_synchronizable_switch", func(s *Site, _ *MappingTables) bool { return s.LocalSynchronizableSwitch != 0 }}
	reqRemoteSwitch = requirement{"remote_synchronizable_switch", func(s *Site, _ *MappingTables) bool { return s.RemoteSynchronizableSwitch != 0 }}
)

func covered(dim Dimension, name string) requirement {
	return requirement{name, func(_ *Site, m *MappingTables) bool { return m.Covered(dim) }}
}

var pullRequirements = []requirement{
	reqLocalSite,
	reqTargetSite,
	reqAPIKey,
	reqLocalSwitch,
	{"local_last_sync_successful", func(s *Site, _ *MappingTables) bool { return s.LocalLastSyncSuccessful != 0 }},
	{"local_remote_url", func(s *Site, _ *MappingTables) bool { return s.LocalRemoteURL != 0 }},
	{"local_initial_project", func(s *Site, _ *MappingTables) bool { return s.LocalInitialProject != 0 }},
	reqRemoteSwitch,
	reqProjects,
	covered(DimProject, "target_projects"),
	covered(DimTracker, "target_trackers"),
	covered(DimIssueStatus, "target_issue_statuses"),
	covered(DimIssuePriority, "target_issue_priorities"),
	covered(DimCustomField, "target_custom_fields"),
}

var pushRequirements = []requirement{
	reqProjects,
	reqLocalSite,
	reqTargetSite,
	reqAPIKey,
	{"remote_cf_for_author", func(s *Site, _ *MappingTables) bool { return s.RemoteCFForAuthor != 0 }},
	{"remote_task_url", func(s *Site, _ *MappingTables) bool { return s.RemoteTaskURL != 0 }},
	reqLocalSwitch,
	reqRemoteSwitch,
	covered(DimTracker, "target_trackers"),
	covered(DimIssueStatus, "target_issue_statuses"),
	covered(DimIssuePriority, "target_issue_priorities"),
	covered(DimCustomField, "target_custom_fields"),
}

func check(s *Site, reqs []requirement) error {
	m := s.Mappings()
	for _, r := range reqs {
		if !r.ok(s, m) {
			return &ConfigurationError{Setting: r.setting}
		}
	}
	return nil
}

// ValidateForPull returns the first setting a pull cannot run without.
func (s *Site) ValidateForPull() error {
	return check(s, pullRequirements)
}

// ValidateForPush returns the first setting a push cannot run without.
func (s *Site) ValidateForPush() error {
	return check(s, pushRequirements)
}
