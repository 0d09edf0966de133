package models

import (
	"strings"
	"time"
)

// Project is a local project. DefaultAssignedToID doubles as the principal
// fallback when an issue's assignee or author has no remote identity.
type Project struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Name                string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Identifier          string    `gorm:"size:100" json:"identifier,omitempty"`
	DefaultAssignedToID *uint     `json:"default_assigned_to_id,omitempty"`
	CreatedOn           time.Time `gorm:"autoCreateTime" json:"created_on"`
}

// TableName specifies the table name for Project
func (Project) TableName() string {
	return "projects"
}

// Tracker is an issue type (Bug, Feature, ...).
type Tracker struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:100;not null;uniqueIndex" json:"name"`
}

// TableName specifies the table name for Tracker
func (Tracker) TableName() string {
	return "trackers"
}

// IssueStatus is a workflow state.
type IssueStatus struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"size:100;not null;uniqueIndex" json:"name"`
	IsClosed bool   `gorm:"default:false" json:"is_closed"`
}

// TableName specifies the table name for IssueStatus
func (IssueStatus) TableName() string {
	return "issue_statuses"
}

// IssuePriority is a priority enumeration value.
type IssuePriority struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:100;not null;uniqueIndex" json:"name"`
}

// TableName specifies the table name for IssuePriority
func (IssuePriority) TableName() string {
	return "issue_priorities"
}

// User is a local principal.
type User struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Login     string `gorm:"size:100;not null;uniqueIndex" json:"login"`
	Firstname string `gorm:"size:100" json:"firstname"`
	Lastname  string `gorm:"size:100" json:"lastname"`
	Admin     bool   `gorm:"default:false" json:"admin"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// Name returns the display name used in pushed notes.
func (u *User) Name() string {
	name := strings.TrimSpace(u.Firstname + " " + u.Lastname)
	if name == "" {
		return u.Login
	}
	return name
}

// Member grants a user a role in a project; only members may be assignees.
type Member struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	ProjectID uint `gorm:"not null;uniqueIndex:idx_member_project_user,priority:1" json:"project_id"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_member_project_user,priority:2" json:"user_id"`
}

// TableName specifies the table name for Member
func (Member) TableName() string {
	return "members"
}
