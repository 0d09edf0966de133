package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sync direction constants
const (
	SyncDirectionPush = "push"
	SyncDirectionPull = "pull"
)

// SyncRun records one pull or push invocation for a site pairing.
type SyncRun struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Site       string     `gorm:"size:200;not null;index" json:"site"`
	Direction  string     `gorm:"size:10;not null" json:"direction"`
	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	UpToDate   int        `json:"up_to_date"`
	Skipped    int        `json:"skipped"`
	Conflicts  int        `json:"conflicts"`
	Failed     int        `json:"failed"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	SyncedBy   string     `gorm:"size:100" json:"synced_by,omitempty"`      // username who synced
	Machine    string     `gorm:"size:100" json:"synced_machine,omitempty"` // machine hostname
}

// TableName specifies the table name for SyncRun
func (SyncRun) TableName() string {
	return "sync_runs"
}

// BeforeCreate hook to generate ID
func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Succeeded reports whether the run finished without a run-level error.
func (r *SyncRun) Succeeded() bool {
	return r.FinishedAt != nil && r.Error == ""
}

// Duration returns the run time, or zero while it is still running.
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
