package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/settings"
)

var (
	forceInit     bool
	initGitignore bool
	initSite      string
	initTarget    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Synchrony in the current directory",
	Long: `Create the .synchrony/ data directory, its database and a settings.yaml
template with one site entry to fill in.

An existing settings.yaml is never overwritten. --force recreates the
database.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialize")
	initCmd.Flags().BoolVar(&initGitignore, "gitignore", false, "Add .synchrony to .gitignore")
	initCmd.Flags().StringVar(&initSite, "site", "upstream", "Name of the site entry in the template")
	initCmd.Flags().StringVar(&initTarget, "target", "https://redmine.example.com", "Remote tracker URL in the template")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	dataDir := filepath.Join(cwd, db.DataDir)
	dbPath := filepath.Join(dataDir, db.DBFileName)

	if _, err := os.Stat(dbPath); err == nil {
		if !forceInit {
			return fmt.Errorf("already initialized. Use --force to reinitialize")
		}
		db.CloseDB()
		if err := os.Remove(dbPath); err != nil {
			return fmt.Errorf("failed to remove existing database: %w", err)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	database, err := db.InitDB(dbPath)
	if err != nil {
		return err
	}

	settingsFile := filepath.Join(dataDir, SettingsFileName)
	if settingsPath != "" {
		settingsFile = settingsPath
	}
	for key, value := range map[string]string{
		models.ConfigSchemaVersion: db.SchemaVersion,
		models.ConfigInitializedAt: time.Now().Format(time.RFC3339),
		models.ConfigSettingsPath:  settingsFile,
	} {
		if err := database.Save(&models.Config{Key: key, Value: value}).Error; err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}

	wroteTemplate, err := writeSettingsTemplate(settingsFile, initSite, initTarget)
	if err != nil {
		return err
	}

	if initGitignore {
		if err := addToGitignore(cwd, db.DataDir); err != nil {
			// Non-fatal, just warn
			fmt.Fprintf(os.Stderr, "Warning: could not add to .gitignore: %v\n", err)
		}
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{
			"success":          true,
			"path":             dataDir,
			"settings":         settingsFile,
			"settings_created": wroteTemplate,
		})
		return nil
	}

	fmt.Printf("Synchrony initialized in %s/\n", db.DataDir)
	if wroteTemplate {
		fmt.Printf("Settings template written to %s\n", settingsFile)
	} else {
		fmt.Printf("Keeping existing settings at %s\n", settingsFile)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  Edit the settings file: field ids and mapping tables")
	fmt.Printf("  synchrony config set-key %-10s Store the remote API key\n", initSite)
	fmt.Println("  synchrony config show                Check what is still missing")
	fmt.Println("  synchrony pull                       Import remote issues")

	return nil
}

type templateSite struct {
	Name       string `yaml:"name"`
	LocalSite  string `yaml:"local_site"`
	TargetSite string `yaml:"target_site"`
	APIKey     string `yaml:"api_key"`

	LocalDefaultAssignee      uint `yaml:"local_default_assignee"`
	LocalDefaultTracker       uint `yaml:"local_default_tracker"`
	LocalDefaultProject       uint `yaml:"local_default_project"`
	LocalDefaultIssueStatus   uint `yaml:"local_default_issue_status"`
	LocalDefaultIssuePriority uint `yaml:"local_default_issue_priority"`

	LocalSynchronizableSwitch uint `yaml:"local_synchronizable_switch"`
	LocalRemoteURL            uint `yaml:"local_remote_url"`
	LocalLastSyncSuccessful   uint `yaml:"local_last_sync_successful"`
	LocalInitialProject       uint `yaml:"local_initial_project"`
	LocalRemoteIdentity       uint `yaml:"local_remote_identity"`

	RemoteSynchronizableSwitch int `yaml:"remote_synchronizable_switch"`
	RemoteCFForAuthor          int `yaml:"remote_cf_for_author"`
	RemoteTaskURL              int `yaml:"remote_task_url"`

	JournalMarker string `yaml:"journal_marker"`
	FilesDir      string `yaml:"files_dir"`
	LookBack      string `yaml:"look_back"`

	ProjectsSet        []map[string]string `yaml:"projects_set"`
	TrackersSet        []map[string]string `yaml:"trackers_set"`
	IssueStatusesSet   []map[string]string `yaml:"issue_statuses_set"`
	IssuePrioritiesSet []map[string]string `yaml:"issue_priorities_set"`
	CustomFieldsSet    []map[string]string `yaml:"custom_fields_set"`
	TrackerProjectsSet []map[string]string `yaml:"tracker_projects_set"`
}

type templateDocument struct {
	Sites []templateSite `yaml:"sites"`
}

func settingsTemplate(site, target string) templateDocument {
	pair := func(dim settings.Dimension, local, remote string) []map[string]string {
		return []map[string]string{{
			"local_" + string(dim):  local,
			"target_" + string(dim): remote,
			"sync":                  "1",
		}}
	}
	return templateDocument{Sites: []templateSite{{
		Name:          site,
		LocalSite:     "http://localhost:3000",
		TargetSite:    target,
		APIKey:        "-",
		JournalMarker: settings.DefaultJournalMarker,
		FilesDir:      settings.DefaultFilesDir,
		LookBack:      settings.DefaultLookBack.String(),

		ProjectsSet:        pair(settings.DimProject, "Local Project", "Remote Project"),
		TrackersSet:        pair(settings.DimTracker, "Bug", "Bug"),
		IssueStatusesSet:   pair(settings.DimIssueStatus, "New", "New"),
		IssuePrioritiesSet: pair(settings.DimIssuePriority, "Normal", "Normal"),
		CustomFieldsSet:    []map[string]string{},
		TrackerProjectsSet: []map[string]string{},
	}}}
}

// writeSettingsTemplate writes a one-site settings document unless path
// already exists.
func writeSettingsTemplate(path, site, target string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(settingsTemplate(site, target))
	if err != nil {
		return false, fmt.Errorf("failed to encode settings template: %w", err)
	}
	header := "# Synchrony settings. Field ids refer to custom fields on each tracker;\n" +
		"# 0 means not configured. Mapping rows pair a local and a target name and\n" +
		"# take part in synchronization when sync is \"1\".\n"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return false, fmt.Errorf("failed to write settings template: %w", err)
	}
	return true, nil
}

func addToGitignore(dir, entry string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")

	content, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == entry || line == entry+"/" {
			return nil // Already in gitignore
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	// Add newline if file doesn't end with one
	if len(content) > 0 && content[len(content)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(entry + "\n")
	return err
}
