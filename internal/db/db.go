// Package db holds the local tracker database: the mirrored catalog
// (projects, trackers, statuses, priorities, users, custom fields), the
// issues with everything hanging off them, and the engine's own bookkeeping
// (config rows and sync runs).
package db

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"synchrony/internal/models"
)

const (
	// DataDir marks a synchrony workspace.
	DataDir = ".synchrony"
	// DBFileName is the sqlite file inside DataDir.
	DBFileName = "synchrony.db"
	// SchemaVersion is written to the config table by every migration.
	SchemaVersion = "1"
)

// Pragmas applied to every pooled connection. Pull and push write from
// separate goroutines, so a writer waits on the lock instead of failing.
var pragmas = []string{"journal_mode(WAL)", "busy_timeout(5000)"}

var (
	catalogTables = []interface{}{
		&models.Project{},
		&models.Tracker{},
		&models.IssueStatus{},
		&models.IssuePriority{},
		&models.User{},
		&models.Member{},
		&models.CustomField{},
	}
	issueTables = []interface{}{
		&models.Issue{},
		&models.CustomValue{},
		&models.Journal{},
		&models.JournalDetail{},
		&models.Attachment{},
		&models.Relation{},
		&models.Watcher{},
	}
	bookkeepingTables = []interface{}{
		&models.Config{},
		&models.SyncRun{},
	}
)

// ErrSchemaTooNew is returned when the file was migrated by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

var (
	db   *gorm.DB
	dbMu sync.RWMutex
)

// InitDB opens dbPath and makes it the process-wide connection.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	SetDB(database)
	return database, nil
}

// Open connects to the sqlite file at dbPath, creating its directory, and
// migrates the synchrony tables. The process-wide connection is untouched.
func Open(dbPath string) (*gorm.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	database, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)

	if err := migrate(database); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return database, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// migrate refuses files written by a newer schema, then brings the catalog,
// issue and bookkeeping tables up to date and stamps SchemaVersion.
func migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&models.Config{}); err != nil {
		return fmt.Errorf("failed to migrate config: %w", err)
	}
	var stored models.Config
	err := database.Where("key = ?", models.ConfigSchemaVersion).Limit(1).Find(&stored).Error
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if newerSchema(stored.Value) {
		return fmt.Errorf("%w: file has %s, build has %s", ErrSchemaTooNew, stored.Value, SchemaVersion)
	}

	for _, group := range []struct {
		name   string
		tables []interface{}
	}{
		{"catalog", catalogTables},
		{"issue", issueTables},
		{"bookkeeping", bookkeepingTables},
	} {
		if err := database.AutoMigrate(group.tables...); err != nil {
			return fmt.Errorf("failed to migrate %s tables: %w", group.name, err)
		}
	}
	return database.Save(&models.Config{Key: models.ConfigSchemaVersion, Value: SchemaVersion}).Error
}

func newerSchema(stored string) bool {
	have, err := strconv.Atoi(stored)
	if err != nil {
		return false
	}
	want, _ := strconv.Atoi(SchemaVersion)
	return have > want
}

// GetDB returns the process-wide connection, nil before InitDB.
func GetDB() *gorm.DB {
	dbMu.RLock()
	defer dbMu.RUnlock()
	return db
}

// SetDB swaps the process-wide connection.
func SetDB(database *gorm.DB) {
	dbMu.Lock()
	defer dbMu.Unlock()
	db = database
}

// CloseDB closes and forgets the process-wide connection. Safe to repeat.
func CloseDB() error {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	db = nil
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// FindWorkspace walks up from the working directory to the first directory
// holding DataDir.
func FindWorkspace() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, DataDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a synchrony workspace (no %s/ found)", DataDir)
		}
		dir = parent
	}
}

// WorkspaceDBPath is the database file of the enclosing workspace, or of the
// working directory when there is none yet.
func WorkspaceDBPath() (string, error) {
	root, err := FindWorkspace()
	if err != nil {
		if root, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	return filepath.Join(root, DataDir, DBFileName), nil
}

// EnsureInitialized opens the workspace database unless a connection is
// already set.
func EnsureInitialized() error {
	if GetDB() != nil {
		return nil
	}
	dbPath, err := WorkspaceDBPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("synchrony not initialized. Run 'synchrony init' first")
	}
	_, err = InitDB(dbPath)
	return err
}

// SetConfig upserts one config row.
func SetConfig(key, value string) error {
	return GetDB().Save(&models.Config{Key: key, Value: value}).Error
}

// GetConfig reads one config row; a missing key is gorm.ErrRecordNotFound.
func GetConfig(key string) (string, error) {
	var row models.Config
	if err := GetDB().Where("key = ?", key).First(&row).Error; err != nil {
		return "", err
	}
	return row.Value, nil
}
