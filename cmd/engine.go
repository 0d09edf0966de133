package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"synchrony/internal/db"
	"synchrony/internal/logging"
	"synchrony/internal/models"
	"synchrony/internal/settings"
	"synchrony/internal/synchrony"
	"synchrony/internal/telemetry"
)

// SettingsFileName is the settings document inside the data directory.
const SettingsFileName = "settings.yaml"

var (
	logger    *slog.Logger
	logCloser io.Closer
)

// workspaceRoot is the directory holding .synchrony/, or the working
// directory when there is none yet.
func workspaceRoot() (string, error) {
	if root, err := db.FindWorkspace(); err == nil {
		return root, nil
	}
	return os.Getwd()
}

// resolveSettingsPath picks --settings, then the stored path, then the
// default inside the data directory.
func resolveSettingsPath() (string, error) {
	if settingsPath != "" {
		return settingsPath, nil
	}
	if db.GetDB() != nil {
		if p, err := db.GetConfig(models.ConfigSettingsPath); err == nil && p != "" {
			return p, nil
		}
	}
	root, err := workspaceRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, db.DataDir, SettingsFileName), nil
}

// loadSites loads the settings document and returns the named sites, or all
// of them when names is empty. API keys are resolved and relative file
// directories are anchored at the workspace root.
func loadSites(names []string) ([]*settings.Site, error) {
	path, err := resolveSettingsPath()
	if err != nil {
		return nil, err
	}
	doc, err := settings.Load(path)
	if err != nil {
		return nil, err
	}

	var sites []*settings.Site
	if len(names) == 0 {
		for i := range doc.Sites {
			sites = append(sites, &doc.Sites[i])
		}
	} else {
		for _, name := range names {
			site, err := doc.Site(name)
			if err != nil {
				return nil, err
			}
			sites = append(sites, site)
		}
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("no sites configured in %s", path)
	}

	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	filesDir := ""
	if db.GetDB() != nil {
		filesDir, _ = db.GetConfig(models.ConfigFilesDir)
	}
	for _, site := range sites {
		if err := site.ResolveAPIKey(); err != nil {
			return nil, err
		}
		if filesDir != "" {
			site.FilesDir = filesDir
		}
		if !filepath.IsAbs(site.FilesDir) {
			site.FilesDir = filepath.Join(root, db.DataDir, site.FilesDir)
		}
	}
	return sites, nil
}

// getLogger opens the log sink on first use.
func getLogger() *slog.Logger {
	if logger != nil {
		return logger
	}
	path := logFile
	if path == "" {
		if root, err := workspaceRoot(); err == nil {
			path = filepath.Join(root, logging.DefaultPath)
		}
	}
	l, closer, err := logging.New(logging.Options{Path: path, Level: logLevel, Stderr: verbose})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not open log file: %v\n", err)
		l = logging.NewWriter(os.Stderr, logLevel)
	}
	logger, logCloser = l, closer
	return logger
}

func closeLogger() {
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// currentUser is the login recorded on sync runs.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// machineID is the hashed hostname recorded on sync runs, prefixed with the
// machine name when the user chose to share it.
func machineID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	hash := hashHostname(hostname)
	if db.GetDB() == nil {
		return hash
	}
	if name, err := db.GetConfig(models.ConfigMachineName); err == nil && name != "" {
		if share, err := db.GetConfig(models.ConfigMachineShare); err == nil && share == "true" {
			return fmt.Sprintf("%s (%s)", name, hash)
		}
	}
	return hash
}

func hashHostname(hostname string) string {
	h := sha256.Sum256([]byte(hostname))
	return hex.EncodeToString(h[:])[:8] // First 8 hex chars
}

func newRunner(sites []*settings.Site, parallelism int) *synchrony.Runner {
	return &synchrony.Runner{
		Store:       db.NewStore(db.GetDB()),
		Sites:       sites,
		Logger:      getLogger(),
		Metrics:     telemetry.NewSyncMetrics(nil),
		Parallelism: parallelism,
		SyncedBy:    currentUser(),
		Machine:     machineID(),
	}
}
