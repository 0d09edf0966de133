package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/settings"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if _, err := db.InitDB(dbPath); err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { db.CloseDB() })
}

func TestConfigMachineSettings(t *testing.T) {
	setupTestDB(t)

	// Test setting machine name
	if err := db.SetConfig(models.ConfigMachineName, "Work MacBook"); err != nil {
		t.Fatalf("failed to set machine name: %v", err)
	}

	name, err := db.GetConfig(models.ConfigMachineName)
	if err != nil {
		t.Fatalf("failed to get machine name: %v", err)
	}
	if name != "Work MacBook" {
		t.Errorf("machine name = %q, want %q", name, "Work MacBook")
	}

	// Name is not recorded until sharing is enabled
	if got := machineID(); strings.Contains(got, "Work MacBook") {
		t.Errorf("machineID() = %q, should not contain the unshared name", got)
	}

	if err := db.SetConfig(models.ConfigMachineShare, "true"); err != nil {
		t.Fatalf("failed to set share pref: %v", err)
	}
	if got := machineID(); !strings.HasPrefix(got, "Work MacBook (") {
		t.Errorf("machineID() = %q, want the shared name first", got)
	}

	// Test updating share preference
	if err := db.SetConfig(models.ConfigMachineShare, "false"); err != nil {
		t.Fatalf("failed to update share pref: %v", err)
	}
	if got := machineID(); len(got) != 8 {
		t.Errorf("machineID() = %q, want the bare hostname hash", got)
	}
}

func TestConfigMachineNameConstants(t *testing.T) {
	// Verify constants are defined correctly
	if models.ConfigMachineName == "" {
		t.Error("ConfigMachineName constant is empty")
	}
	if models.ConfigMachineShare == "" {
		t.Error("ConfigMachineShare constant is empty")
	}

	// They should be different
	if models.ConfigMachineName == models.ConfigMachineShare {
		t.Error("ConfigMachineName and ConfigMachineShare should be different")
	}
}

func TestConfigSetAndDeleteKey(t *testing.T) {
	keyring.MockInit()

	configKey = ""
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("secret-from-stdin\n"))
	captureStdout(t, func() {
		if err := runConfigSetKey(cmd, []string{"upstream"}); err != nil {
			t.Fatalf("set-key failed: %v", err)
		}
	})

	got, err := keyring.Get(models.KeyringServiceName, settings.KeyringAccount("upstream"))
	if err != nil {
		t.Fatalf("key not stored: %v", err)
	}
	if got != "secret-from-stdin" {
		t.Errorf("stored key = %q, want %q", got, "secret-from-stdin")
	}

	site := &settings.Site{Name: "upstream", APIKey: "-"}
	if src := keySource(site); src != "system keyring" {
		t.Errorf("keySource() = %q, want system keyring", src)
	}

	captureStdout(t, func() {
		if err := runConfigDeleteKey(cmd, []string{"upstream"}); err != nil {
			t.Fatalf("delete-key failed: %v", err)
		}
	})
	if _, err := keyring.Get(models.KeyringServiceName, settings.KeyringAccount("upstream")); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("key still present after delete: %v", err)
	}
	if src := keySource(site); src != "(not configured)" {
		t.Errorf("keySource() = %q, want not configured", src)
	}
}

func TestConfigSetKeyRequiresValue(t *testing.T) {
	keyring.MockInit()

	configKey = ""
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("\n"))
	captureStdout(t, func() {
		if err := runConfigSetKey(cmd, []string{"upstream"}); err == nil {
			t.Error("expected an error for an empty key")
		}
	})
}

func TestKeySourcePrefersSettingsAndEnv(t *testing.T) {
	keyring.MockInit()

	if src := keySource(&settings.Site{Name: "a", APIKey: "inline"}); src != "settings" {
		t.Errorf("keySource() = %q, want settings", src)
	}

	t.Setenv(settings.EnvAPIKey("b"), "from-env")
	if src := keySource(&settings.Site{Name: "b"}); !strings.HasPrefix(src, "env ") {
		t.Errorf("keySource() = %q, want env", src)
	}
}

func TestValidationState(t *testing.T) {
	if got := validationState(nil); got != "ready" {
		t.Errorf("validationState(nil) = %q, want ready", got)
	}
	if got := validationState(&settings.ConfigurationError{Setting: "api_key"}); got != "missing api_key" {
		t.Errorf("validationState() = %q, want missing api_key", got)
	}
	if got := validationState(errors.New("boom")); got != "boom" {
		t.Errorf("validationState() = %q, want boom", got)
	}
}
