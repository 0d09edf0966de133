package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Ref is a reference to a named remote entity.
type Ref struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// CustomFieldValue is a custom field value on a remote issue. The JSON value
// is a string for single-valued fields and an array for multi-valued ones.
type CustomFieldValue struct {
	ID       int
	Name     string
	Multiple bool
	Value    []string
}

type customFieldValueJSON struct {
	ID       int             `json:"id"`
	Name     string          `json:"name,omitempty"`
	Multiple bool            `json:"multiple,omitempty"`
	Value    json.RawMessage `json:"value"`
}

// UnmarshalJSON accepts string, array and null values.
func (v *CustomFieldValue) UnmarshalJSON(data []byte) error {
	var raw customFieldValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.ID, v.Name, v.Multiple, v.Value = raw.ID, raw.Name, raw.Multiple, nil

	trimmed := bytes.TrimSpace(raw.Value)
	switch {
	case len(trimmed) == 0 || string(trimmed) == "null":
	case trimmed[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("custom field %d: %w", raw.ID, err)
		}
		v.Value = make([]string, 0, len(items))
		for _, item := range items {
			s, err := scalarString(item)
			if err != nil {
				return fmt.Errorf("custom field %d: %w", raw.ID, err)
			}
			v.Value = append(v.Value, s)
		}
	default:
		s, err := scalarString(trimmed)
		if err != nil {
			return fmt.Errorf("custom field %d: %w", raw.ID, err)
		}
		v.Value = []string{s}
	}
	return nil
}

// MarshalJSON writes an array for multi-valued fields and a string otherwise.
func (v CustomFieldValue) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch {
	case v.Multiple:
		vals := v.Value
		if vals == nil {
			vals = []string{}
		}
		value = vals
	case len(v.Value) == 0:
		value = ""
	default:
		value = v.Value[0]
	}
	out := struct {
		ID       int         `json:"id"`
		Name     string      `json:"name,omitempty"`
		Multiple bool        `json:"multiple,omitempty"`
		Value    interface{} `json:"value"`
	}{v.ID, v.Name, v.Multiple, value}
	return json.Marshal(out)
}

// First returns the first value or "".
func (v CustomFieldValue) First() string {
	if len(v.Value) == 0 {
		return ""
	}
	return v.Value[0]
}

func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	if string(raw) == "null" {
		return "", nil
	}
	return string(raw), nil
}

// Issue is a remote issue with its optional nested collections.
type Issue struct {
	ID             int                `json:"id"`
	Project        Ref                `json:"project"`
	Tracker        Ref                `json:"tracker"`
	Status         Ref                `json:"status"`
	Priority       Ref                `json:"priority"`
	Author         Ref                `json:"author"`
	AssignedTo     *Ref               `json:"assigned_to,omitempty"`
	Parent         *Ref               `json:"parent,omitempty"`
	Subject        string             `json:"subject"`
	Description    string             `json:"description"`
	StartDate      string             `json:"start_date,omitempty"`
	DueDate        string             `json:"due_date,omitempty"`
	DoneRatio      int                `json:"done_ratio"`
	EstimatedHours *float64           `json:"estimated_hours,omitempty"`
	CustomFields   []CustomFieldValue `json:"custom_fields,omitempty"`
	CreatedOn      time.Time          `json:"created_on"`
	UpdatedOn      time.Time          `json:"updated_on"`
	Journals       []Journal          `json:"journals,omitempty"`
	Attachments    []Attachment       `json:"attachments,omitempty"`
	Relations      []Relation         `json:"relations,omitempty"`
	Watchers       []Ref              `json:"watchers,omitempty"`
}

// CustomField returns the issue's value of field id.
func (i *Issue) CustomField(id int) (CustomFieldValue, bool) {
	for _, cf := range i.CustomFields {
		if cf.ID == id {
			return cf, true
		}
	}
	return CustomFieldValue{}, false
}

// Journal is one history entry of a remote issue.
type Journal struct {
	ID           int             `json:"id"`
	User         Ref             `json:"user"`
	Notes        string          `json:"notes"`
	PrivateNotes bool            `json:"private_notes"`
	CreatedOn    time.Time       `json:"created_on"`
	Details      []JournalDetail `json:"details,omitempty"`
}

// HasAttachmentDetail reports whether the entry records an attachment.
func (j *Journal) HasAttachmentDetail() bool {
	for _, d := range j.Details {
		if d.Property == "attachment" {
			return true
		}
	}
	return false
}

// JournalDetail is one field transition of a remote journal.
type JournalDetail struct {
	Property string  `json:"property"`
	Name     string  `json:"name"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

// Attachment is a file attached to a remote issue.
type Attachment struct {
	ID          int       `json:"id"`
	Filename    string    `json:"filename"`
	Filesize    int64     `json:"filesize"`
	ContentType string    `json:"content_type,omitempty"`
	Description string    `json:"description,omitempty"`
	ContentURL  string    `json:"content_url"`
	Author      Ref       `json:"author"`
	CreatedOn   time.Time `json:"created_on"`
}

// Relation is a directed typed edge between two remote issues.
type Relation struct {
	ID           int    `json:"id"`
	IssueID      int    `json:"issue_id"`
	IssueToID    int    `json:"issue_to_id"`
	RelationType string `json:"relation_type"`
	Delay        *int   `json:"delay"`
}

// Project is a remote project.
type Project struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
}

// User is the account an API key authenticates as.
type User struct {
	ID        int    `json:"id"`
	Login     string `json:"login"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// Name returns "Firstname Lastname", or the login when both are empty.
func (u User) Name() string {
	if name := strings.TrimSpace(u.Firstname + " " + u.Lastname); name != "" {
		return name
	}
	return u.Login
}

// Tracker is a remote tracker.
type Tracker struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// IssueStatus is a remote workflow state.
type IssueStatus struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed"`
}

// IssuePriority is a remote priority.
type IssuePriority struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// PossibleValue is one allowed value of an enumerated custom field.
type PossibleValue struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// CustomField describes a remote custom field.
type CustomField struct {
	ID             int             `json:"id"`
	Name           string          `json:"name"`
	CustomizedType string          `json:"customized_type"`
	FieldFormat    string          `json:"field_format"`
	Multiple       bool            `json:"multiple"`
	PossibleValues []PossibleValue `json:"possible_values,omitempty"`
	Regexp         string          `json:"regexp,omitempty"`
	MinLength      *int            `json:"min_length,omitempty"`
	MaxLength      *int            `json:"max_length,omitempty"`
}

// IssuePayload is the body of an issue create or update.
type IssuePayload struct {
	ProjectID      int                `json:"project_id,omitempty"`
	TrackerID      int                `json:"tracker_id,omitempty"`
	StatusID       int                `json:"status_id,omitempty"`
	PriorityID     int                `json:"priority_id,omitempty"`
	AssignedToID   *int               `json:"assigned_to_id,omitempty"`
	ParentIssueID  *int               `json:"parent_issue_id,omitempty"`
	Subject        string             `json:"subject,omitempty"`
	Description    *string            `json:"description,omitempty"`
	StartDate      *string            `json:"start_date,omitempty"`
	DueDate        *string            `json:"due_date,omitempty"`
	DoneRatio      *int               `json:"done_ratio,omitempty"`
	EstimatedHours *float64           `json:"estimated_hours,omitempty"`
	CustomFields   []CustomFieldValue `json:"custom_fields,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	PrivateNotes   bool               `json:"private_notes,omitempty"`
	Uploads        []Upload           `json:"uploads,omitempty"`
}

// Upload attaches previously uploaded bytes to an issue.
type Upload struct {
	Token       string `json:"token"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Description string `json:"description,omitempty"`
}

// RelationPayload is the body of a relation create.
type RelationPayload struct {
	IssueToID    int    `json:"issue_to_id"`
	RelationType string `json:"relation_type"`
	Delay        *int   `json:"delay,omitempty"`
}

// IssueQuery filters an issue listing.
type IssueQuery struct {
	ProjectID    int
	UpdatedSince time.Time
	Sort         string
	Limit        int
	Offset       int
	AllStatuses  bool
}

// IssueList is one page of an issue listing.
type IssueList struct {
	Issues     []Issue `json:"issues"`
	TotalCount int     `json:"total_count"`
	Offset     int     `json:"offset"`
	Limit      int     `json:"limit"`
}
