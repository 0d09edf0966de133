// Package settings loads the site settings document and exposes the mapping
// tables the synchronization engine consults.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"synchrony/internal/models"
)

const (
	// DefaultJournalMarker separates the author prefix from pushed note text.
	DefaultJournalMarker = "wrote:\n\n"
	// DefaultLookBack overlaps consecutive pull windows.
	DefaultLookBack = 8 * time.Minute
	// DefaultFilesDir is where pulled attachment files are stored.
	DefaultFilesDir = "files"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SYNCHRONY"
)

// Document is the whole settings file.
type Document struct {
	Sites []Site `mapstructure:"sites"`
}

// Site is one local/target pairing.
type Site struct {
	Name       string `mapstructure:"name"`
	LocalSite  string `mapstructure:"local_site"`
	TargetSite string `mapstructure:"target_site"`
	APIKey     string `mapstructure:"api_key"`

	LocalDefaultAssignee      uint `mapstructure:"local_default_assignee"`
	LocalDefaultTracker       uint `mapstructure:"local_default_tracker"`
	LocalDefaultProject       uint `mapstructure:"local_default_project"`
	LocalDefaultIssueStatus   uint `mapstructure:"local_default_issue_status"`
	LocalDefaultIssuePriority uint `mapstructure:"local_default_issue_priority"`

	LocalSynchronizableSwitch uint `mapstructure:"local_synchronizable_switch"`
	LocalRemoteURL            uint `mapstructure:"local_remote_url"`
	LocalLastSyncSuccessful   uint `mapstructure:"local_last_sync_successful"`
	LocalInitialProject       uint `mapstructure:"local_initial_project"`
	LocalRemoteIdentity       uint `mapstructure:"local_remote_identity"`

	RemoteSynchronizableSwitch int `mapstructure:"remote_synchronizable_switch"`
	RemoteCFForAuthor          int `mapstructure:"remote_cf_for_author"`
	RemoteTaskURL              int `mapstructure:"remote_task_url"`

	JournalMarker string        `mapstructure:"journal_marker"`
	FilesDir      string        `mapstructure:"files_dir"`
	LookBack      time.Duration `mapstructure:"look_back"`
	Timeout       time.Duration `mapstructure:"timeout"`

	ProjectsSet        []map[string]string `mapstructure:"projects_set"`
	TrackersSet        []map[string]string `mapstructure:"trackers_set"`
	IssueStatusesSet   []map[string]string `mapstructure:"issue_statuses_set"`
	IssuePrioritiesSet []map[string]string `mapstructure:"issue_priorities_set"`
	CustomFieldsSet    []map[string]string `mapstructure:"custom_fields_set"`
	TrackerProjectsSet []map[string]string `mapstructure:"tracker_projects_set"`
}

// Load reads a YAML, JSON or TOML settings document.
func Load(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	for i := range doc.Sites {
		doc.Sites[i].applyDefaults()
		if doc.Sites[i].Name == "" {
			return nil, fmt.Errorf("sites[%d]: missing 'name'", i)
		}
	}
	return &doc, nil
}

// Site returns the named site.
func (d *Document) Site(name string) (*Site, error) {
	for i := range d.Sites {
		if d.Sites[i].Name == name {
			return &d.Sites[i], nil
		}
	}
	return nil, fmt.Errorf("site %q not configured", name)
}

func (s *Site) applyDefaults() {
	s.LocalSite = strings.TrimRight(strings.TrimSpace(s.LocalSite), "/")
	s.TargetSite = strings.TrimRight(strings.TrimSpace(s.TargetSite), "/")
	if s.JournalMarker == "" {
		s.JournalMarker = DefaultJournalMarker
	}
	if s.FilesDir == "" {
		s.FilesDir = DefaultFilesDir
	}
	if s.LookBack <= 0 {
		s.LookBack = DefaultLookBack
	}
}

// KeyringAccount is the keyring entry name for a site's API key.
func KeyringAccount(site string) string {
	return "api_key." + site
}

// EnvAPIKey is the environment variable overriding a site's API key.
func EnvAPIKey(site string) string {
	name := strings.ToUpper(site)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return EnvPrefix + "_" + name + "_API_KEY"
}

// ResolveAPIKey fills APIKey from the environment or the system keyring when
// the document leaves it empty. "-" counts as empty.
func (s *Site) ResolveAPIKey() error {
	if s.APIKey != "" && s.APIKey != "-" {
		return nil
	}
	s.APIKey = ""
	if key := os.Getenv(EnvAPIKey(s.Name)); key != "" {
		s.APIKey = key
		return nil
	}
	key, err := keyring.Get(models.KeyringServiceName, KeyringAccount(s.Name))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read API key from keyring: %w", err)
	}
	s.APIKey = key
	return nil
}

// StoreAPIKey saves a site's API key in the system keyring.
func StoreAPIKey(site, key string) error {
	if err := keyring.Set(models.KeyringServiceName, KeyringAccount(site), key); err != nil {
		return fmt.Errorf("failed to store API key in keyring: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a site's API key from the system keyring.
func DeleteAPIKey(site string) error {
	err := keyring.Delete(models.KeyringServiceName, KeyringAccount(site))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// RemoteIssueURL is the bookkeeping URL stored on a pulled issue.
func (s *Site) RemoteIssueURL(remoteID int) string {
	return fmt.Sprintf("%s/issues/%d", s.TargetSite, remoteID)
}

// LocalIssueURL is the bookkeeping URL stored on a pushed remote issue.
func (s *Site) LocalIssueURL(issueID uint) string {
	return fmt.Sprintf("%s/issues/%d", s.LocalSite, issueID)
}
