package models

import (
	"time"

	"gorm.io/gorm"
)

// Journal detail property constants
const (
	DetailAttr       = "attr"
	DetailCustom     = "cf"
	DetailAttachment = "attachment"
	DetailRelation   = "relation"
)

// Journal is one append-only history entry of an issue: an optional note plus
// the field changes made in the same save.
type Journal struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	IssueID      uint            `gorm:"not null;index" json:"issue_id"`
	UserID       uint            `gorm:"not null" json:"user_id"`
	Notes        string          `gorm:"type:text" json:"notes,omitempty"`
	PrivateNotes bool            `gorm:"default:false" json:"private_notes"`
	SynchronyID  *int            `gorm:"index" json:"synchrony_id,omitempty"`
	CreatedOn    time.Time       `gorm:"autoCreateTime" json:"created_on"`
	Details      []JournalDetail `gorm:"foreignKey:JournalID" json:"details,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName specifies the table name for Journal
func (Journal) TableName() string {
	return "journals"
}

// Linked reports whether the journal carries a correlation id.
func (j *Journal) Linked() bool {
	return j.SynchronyID != nil && *j.SynchronyID != 0
}

// PushCandidate reports whether the note may be sent to the other side.
func (j *Journal) PushCandidate() bool {
	return !j.PrivateNotes && j.Notes != "" && !j.Linked()
}

// JournalDetail is a single field transition recorded on a journal.
type JournalDetail struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	JournalID uint    `gorm:"not null;index" json:"journal_id"`
	Property  string  `gorm:"size:30;not null" json:"property"`
	PropKey   string  `gorm:"size:30;not null" json:"prop_key"`
	OldValue  *string `gorm:"type:text" json:"old_value,omitempty"`
	Value     *string `gorm:"type:text" json:"value,omitempty"`
}

// TableName specifies the table name for JournalDetail
func (JournalDetail) TableName() string {
	return "journal_details"
}

// RecordChange appends a detail row to a journal when the value changed.
func RecordChange(db *gorm.DB, journalID uint, property, key string, oldValue, newValue *string) error {
	if equalPtr(oldValue, newValue) {
		return nil // No change
	}
	detail := &JournalDetail{
		JournalID: journalID,
		Property:  property,
		PropKey:   key,
		OldValue:  oldValue,
		Value:     newValue,
	}
	return db.Create(detail).Error
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
