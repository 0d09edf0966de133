package models

import (
	"strings"
)

// Customized types
const (
	CustomizedIssue     = "Issue"
	CustomizedPrincipal = "Principal"
)

// Custom field types
const (
	CustomFieldTypeIssue = "IssueCustomField"
	CustomFieldTypeUser  = "UserCustomField"
)

// Field format constants
const (
	FieldFormatString = "string"
	FieldFormatText   = "text"
	FieldFormatList   = "list"
	FieldFormatBool   = "bool"
	FieldFormatUser   = "user"
	FieldFormatInt    = "int"
	FieldFormatFloat  = "float"
	FieldFormatDate   = "date"
	FieldFormatLink   = "link"
)

// CustomField describes a user-defined field on issues or users.
type CustomField struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Type           string      `gorm:"size:30;not null;default:IssueCustomField" json:"type"`
	Name           string      `gorm:"size:255;not null" json:"name"`
	FieldFormat    string      `gorm:"size:30;not null;default:string" json:"field_format"`
	Multiple       bool        `gorm:"default:false" json:"multiple"`
	PossibleValues StringSlice `gorm:"type:text" json:"possible_values,omitempty"`
	Regexp         string      `gorm:"size:255" json:"regexp,omitempty"`
	MinLength      *int        `json:"min_length,omitempty"`
	MaxLength      *int        `json:"max_length,omitempty"`
}

// TableName specifies the table name for CustomField
func (CustomField) TableName() string {
	return "custom_fields"
}

// IsPrincipal reports whether values reference users.
func (c *CustomField) IsPrincipal() bool {
	return c.FieldFormat == FieldFormatUser
}

// IsEnumerated reports whether values come from a fixed set.
func (c *CustomField) IsEnumerated() bool {
	return c.FieldFormat == FieldFormatList || c.FieldFormat == FieldFormatBool
}

// AllowedValues returns the enumerated value set. Boolean fields accept "0"
// and "1" even when no possible values are stored.
func (c *CustomField) AllowedValues() []string {
	if c.FieldFormat == FieldFormatBool && len(c.PossibleValues) == 0 {
		return []string{"0", "1"}
	}
	return c.PossibleValues
}

// CustomValue is one value of a custom field on an issue or a user. Multi-valued
// fields are stored as one row per value.
type CustomValue struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	CustomizedType string `gorm:"size:30;not null;index:idx_customized,priority:1" json:"customized_type"`
	CustomizedID   uint   `gorm:"not null;index:idx_customized,priority:2" json:"customized_id"`
	CustomFieldID  uint   `gorm:"not null;index" json:"custom_field_id"`
	Value          string `gorm:"type:text" json:"value"`
}

// TableName specifies the table name for CustomValue
func (CustomValue) TableName() string {
	return "custom_values"
}

// FieldValues groups custom values by field id, keeping row order.
func FieldValues(values []CustomValue) map[uint][]string {
	out := make(map[uint][]string)
	for _, v := range values {
		out[v.CustomFieldID] = append(out[v.CustomFieldID], v.Value)
	}
	return out
}

// FirstValue returns the first trimmed value of field id, or "".
func FirstValue(values []CustomValue, fieldID uint) string {
	for _, v := range values {
		if v.CustomFieldID == fieldID {
			return strings.TrimSpace(v.Value)
		}
	}
	return ""
}
