package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"synchrony/internal/models"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "synchrony-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	_, err = InitDB(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init test DB: %v", err)
	}

	return func() {
		CloseDB()
		os.RemoveAll(tmpDir)
	}
}

func TestInitDB(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	db := GetDB()
	if db == nil {
		t.Fatal("GetDB() returned nil after InitDB")
	}
	for _, table := range []string{"issues", "journals", "journal_details", "attachments", "issue_relations", "watchers", "sync_runs"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing after migrations", table)
		}
	}
}

func TestSynchronyIDIsUnique(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	db := GetDB()
	rid := 42
	for i := 0; i < 2; i++ {
		issue := &models.Issue{ProjectID: 1, TrackerID: 1, StatusID: 1, PriorityID: 1, AuthorID: 1, Subject: "dup", SynchronyID: &rid}
		err := db.Create(issue).Error
		if i == 0 && err != nil {
			t.Fatalf("first Create() error: %v", err)
		}
		if i == 1 && err == nil {
			t.Fatal("second Create() with same synchrony_id should fail")
		}
	}

	// Unlinked issues do not collide.
	for i := 0; i < 2; i++ {
		issue := &models.Issue{ProjectID: 1, TrackerID: 1, StatusID: 1, PriorityID: 1, AuthorID: 1, Subject: "unlinked"}
		if err := db.Create(issue).Error; err != nil {
			t.Fatalf("Create() unlinked error: %v", err)
		}
	}
}

func TestSetGetConfig(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	err := SetConfig("test_key", "test_value")
	if err != nil {
		t.Fatalf("SetConfig() error: %v", err)
	}

	value, err := GetConfig("test_key")
	if err != nil {
		t.Fatalf("GetConfig() error: %v", err)
	}
	if value != "test_value" {
		t.Errorf("GetConfig() = %s, want test_value", value)
	}

	err = SetConfig("test_key", "updated_value")
	if err != nil {
		t.Fatalf("SetConfig() update error: %v", err)
	}

	value, err = GetConfig("test_key")
	if err != nil {
		t.Fatalf("GetConfig() after update error: %v", err)
	}
	if value != "updated_value" {
		t.Errorf("GetConfig() after update = %s, want updated_value", value)
	}

	_, err = GetConfig("nonexistent")
	if err == nil {
		t.Error("GetConfig() should error for non-existent key")
	}
}

func TestCloseDB(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	err := CloseDB()
	if err != nil {
		t.Fatalf("CloseDB() error: %v", err)
	}

	if GetDB() != nil {
		t.Error("GetDB() should return nil after CloseDB()")
	}

	// Calling CloseDB again should be safe
	err = CloseDB()
	if err != nil {
		t.Errorf("CloseDB() second call error: %v", err)
	}
}

func TestOpenStampsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "synchrony.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	var row models.Config
	if err := database.Where("key = ?", models.ConfigSchemaVersion).First(&row).Error; err != nil {
		t.Fatalf("schema version not stamped: %v", err)
	}
	if row.Value != SchemaVersion {
		t.Errorf("schema version = %q, want %q", row.Value, SchemaVersion)
	}

	var mode string
	if err := database.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil || mode != "wal" {
		t.Errorf("journal_mode = %q, %v; want wal", mode, err)
	}

	// A file written by a newer build is refused.
	if err := database.Save(&models.Config{Key: models.ConfigSchemaVersion, Value: "99"}).Error; err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := database.DB()
	sqlDB.Close()
	if _, err := Open(path); !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("Open() error = %v, want ErrSchemaTooNew", err)
	}
}

func TestWorkspaceDBPath(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(filepath.Join(root, DataDir), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got, err := WorkspaceDBPath()
	if err != nil {
		t.Fatalf("WorkspaceDBPath() error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(root, DataDir))
	dir, _ := filepath.EvalSymlinks(filepath.Dir(got))
	if dir != want || filepath.Base(got) != DBFileName {
		t.Errorf("WorkspaceDBPath() = %q, want it inside %s", got, want)
	}

	t.Chdir(t.TempDir())
	if _, err := FindWorkspace(); err == nil {
		t.Error("FindWorkspace() should fail outside a workspace")
	}
	if GetDB() == nil {
		if err := EnsureInitialized(); err == nil {
			t.Error("EnsureInitialized() should report a missing database")
		}
	}
}
