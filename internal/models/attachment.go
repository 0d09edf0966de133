package models

import (
	"path/filepath"
	"time"
)

// Attachment is a file attached to an issue. A non-nil SynchronyID means the
// file has already crossed to the other side.
type Attachment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ContainerID   uint      `gorm:"not null;index" json:"container_id"`
	ContainerType string    `gorm:"size:30;not null;default:Issue" json:"container_type"`
	Filename      string    `gorm:"size:255;not null" json:"filename"`
	DiskFilename  string    `gorm:"size:255;not null" json:"disk_filename"`
	DiskDirectory string    `gorm:"size:255" json:"disk_directory"`
	Filesize      int64     `gorm:"default:0" json:"filesize"`
	ContentType   string    `gorm:"size:255" json:"content_type,omitempty"`
	Description   string    `gorm:"size:255" json:"description,omitempty"`
	AuthorID      uint      `gorm:"not null" json:"author_id"`
	SynchronyID   *int      `gorm:"uniqueIndex" json:"synchrony_id,omitempty"`
	CreatedOn     time.Time `gorm:"autoCreateTime" json:"created_on"`
}

// TableName specifies the table name for Attachment
func (Attachment) TableName() string {
	return "attachments"
}

// Linked reports whether the attachment carries a correlation id.
func (a *Attachment) Linked() bool {
	return a.SynchronyID != nil && *a.SynchronyID != 0
}

// DiskPath returns the file location under the storage root.
func (a *Attachment) DiskPath(root string) string {
	return filepath.Join(root, a.DiskDirectory, a.DiskFilename)
}
