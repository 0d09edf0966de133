package models

import (
	"time"
)

// Config stores key-value configuration for the local store
type Config struct {
	Key       string    `gorm:"primaryKey;size:100" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Config
func (Config) TableName() string {
	return "config"
}

// Common config keys
const (
	ConfigSchemaVersion = "schema_version"
	ConfigInitializedAt = "initialized_at"
	ConfigSettingsPath  = "settings_path"
	ConfigFilesDir      = "files_dir"
	ConfigMachineName   = "machine_name"
	ConfigMachineShare  = "machine_share"
	// ConfigLastPullPrefix is suffixed with a site name.
	ConfigLastPullPrefix = "last_pull."
)

// KeyringServiceName is the system keyring service holding site API keys,
// one entry per site name.
const KeyringServiceName = "synchrony"
