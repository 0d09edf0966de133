package models

import (
	"gorm.io/gorm"
)

// Relation type constants
const (
	RelationRelates    = "relates"
	RelationDuplicates = "duplicates"
	RelationDuplicated = "duplicated"
	RelationBlocks     = "blocks"
	RelationBlocked    = "blocked"
	RelationPrecedes   = "precedes"
	RelationFollows    = "follows"
	RelationCopiedTo   = "copied_to"
	RelationCopiedFrom = "copied_from"
)

// Relation is a directed typed edge between two issues.
type Relation struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	IssueFromID  uint   `gorm:"not null;index:idx_relation_from" json:"issue_from_id"`
	IssueToID    uint   `gorm:"not null;index:idx_relation_to" json:"issue_to_id"`
	RelationType string `gorm:"size:20;not null;default:relates" json:"relation_type"`
	Delay        *int   `json:"delay,omitempty"`

	IssueFrom *Issue `gorm:"foreignKey:IssueFromID" json:"issue_from,omitempty"`
	IssueTo   *Issue `gorm:"foreignKey:IssueToID" json:"issue_to,omitempty"`
}

// TableName specifies the table name for Relation
func (Relation) TableName() string {
	return "issue_relations"
}

// BeforeCreate defaults the relation type
func (r *Relation) BeforeCreate(tx *gorm.DB) error {
	if r.RelationType == "" {
		r.RelationType = RelationRelates
	}
	return nil
}

// IsBlocking returns true if this is a blocking relation
func (r *Relation) IsBlocking() bool {
	return r.RelationType == RelationBlocks
}

// Watcher subscribes a user to an issue.
type Watcher struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	WatchableType string `gorm:"size:30;not null;default:Issue;uniqueIndex:idx_watch,priority:1" json:"watchable_type"`
	WatchableID   uint   `gorm:"not null;uniqueIndex:idx_watch,priority:2" json:"watchable_id"`
	UserID        uint   `gorm:"not null;uniqueIndex:idx_watch,priority:3" json:"user_id"`
}

// TableName specifies the table name for Watcher
func (Watcher) TableName() string {
	return "watchers"
}
