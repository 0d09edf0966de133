package models

import (
	"time"
)

// Issue is a local tracker record. SynchronyID and SynchronizedAt form the
// sync link to the paired remote issue.
type Issue struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ProjectID      uint       `gorm:"not null;index" json:"project_id"`
	TrackerID      uint       `gorm:"not null" json:"tracker_id"`
	StatusID       uint       `gorm:"not null;index" json:"status_id"`
	PriorityID     uint       `gorm:"not null" json:"priority_id"`
	AuthorID       uint       `gorm:"not null" json:"author_id"`
	AssignedToID   *uint      `gorm:"index" json:"assigned_to_id,omitempty"`
	ParentID       *uint      `gorm:"index" json:"parent_id,omitempty"`
	Subject        string     `gorm:"size:255;not null" json:"subject"`
	Description    string     `gorm:"type:text" json:"description,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	DoneRatio      int        `gorm:"default:0" json:"done_ratio"`
	EstimatedHours *float64   `json:"estimated_hours,omitempty"`
	SynchronyID    *int       `gorm:"uniqueIndex" json:"synchrony_id,omitempty"`
	SynchronizedAt *time.Time `gorm:"index" json:"synchronized_at,omitempty"`
	LockVersion    int        `gorm:"not null;default:0" json:"lock_version"`
	CreatedOn      time.Time  `gorm:"autoCreateTime" json:"created_on"`
	UpdatedOn      time.Time  `gorm:"autoUpdateTime" json:"updated_on"`

	// SkipSynchronization is set on saves made by the pull path so that the
	// post-commit push listener ignores them. Never persisted.
	SkipSynchronization bool `gorm:"-" json:"-"`

	Project    *Project       `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	Tracker    *Tracker       `gorm:"foreignKey:TrackerID" json:"tracker,omitempty"`
	Status     *IssueStatus   `gorm:"foreignKey:StatusID" json:"status,omitempty"`
	Priority   *IssuePriority `gorm:"foreignKey:PriorityID" json:"priority,omitempty"`
	Author     *User          `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	AssignedTo *User          `gorm:"foreignKey:AssignedToID" json:"assigned_to,omitempty"`
}

// TableName specifies the table name for Issue
func (Issue) TableName() string {
	return "issues"
}

// Linked reports whether the issue carries a correlation id.
func (i *Issue) Linked() bool {
	return i.SynchronyID != nil && *i.SynchronyID != 0
}

// Converged reports whether the stored synchronized_at equals the remote
// record's last-modified time.
func (i *Issue) Converged(remoteUpdatedOn time.Time) bool {
	if i.SynchronizedAt == nil {
		return false
	}
	return SameInstant(*i.SynchronizedAt, remoteUpdatedOn)
}

// SameInstant compares two timestamps at second precision, the resolution the
// remote API exposes.
func SameInstant(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

// IssueEvent is the post-commit notification emitted after a local issue save.
type IssueEvent struct {
	IssueID             uint
	Created             bool
	SkipSynchronization bool
}
