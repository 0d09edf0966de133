package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"synchrony/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleObject is returned when an issue was changed by someone else
	// between read and write.
	ErrStaleObject = errors.New("attempted to update a stale object")
	// ErrInvalidRecord is returned when a write fails validation or a
	// uniqueness constraint.
	ErrInvalidRecord = errors.New("record invalid")
)

// ValidationError names the attribute that failed local validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrInvalidRecord) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

// IssueListener receives post-commit notifications of issue saves.
type IssueListener func(ctx context.Context, event models.IssueEvent)

// Store is the local tracker store used by the synchronization engine.
type Store struct {
	db *gorm.DB

	mu        sync.RWMutex
	listeners []IssueListener
}

// NewStore wraps an opened database.
func NewStore(database *gorm.DB) *Store {
	return &Store{db: database}
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// OnIssueSaved registers fn to run after every committed SaveIssue.
func (s *Store) OnIssueSaved(fn IssueListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(ctx context.Context, event models.IssueEvent) {
	s.mu.RLock()
	listeners := append([]IssueListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, event)
	}
}

// Transaction runs fn inside one local transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// IssueChange is one local issue write.
type IssueChange struct {
	Issue *models.Issue
	// CustomValues replaces the values of each listed field id.
	CustomValues map[uint][]string
	// UserID authors the journal recording attribute changes on update. Zero
	// records no journal.
	UserID uint
	Notes  string
}

// SaveIssue validates and persists an issue with optimistic locking, then
// notifies listeners once the transaction has committed.
func (s *Store) SaveIssue(ctx context.Context, change IssueChange) error {
	issue := change.Issue
	if err := s.validateIssue(ctx, issue); err != nil {
		return err
	}

	created := issue.ID == 0
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		if created {
			issue.LockVersion = 0
			if err := tx.Create(issue).Error; err != nil {
				return translate(err)
			}
			return replaceCustomValues(tx, models.CustomizedIssue, issue.ID, change.CustomValues)
		}

		var before models.Issue
		if err := tx.First(&before, issue.ID).Error; err != nil {
			return translate(err)
		}
		var beforeValues []models.CustomValue
		if err := tx.Where("customized_type = ? AND customized_id = ?", models.CustomizedIssue, issue.ID).
			Order("id").Find(&beforeValues).Error; err != nil {
			return err
		}

		now := time.Now()
		res := tx.Model(&models.Issue{}).
			Where("id = ? AND lock_version = ?", issue.ID, issue.LockVersion).
			UpdateColumns(map[string]interface{}{
				"project_id":      issue.ProjectID,
				"tracker_id":      issue.TrackerID,
				"status_id":       issue.StatusID,
				"priority_id":     issue.PriorityID,
				"author_id":       issue.AuthorID,
				"assigned_to_id":  issue.AssignedToID,
				"parent_id":       issue.ParentID,
				"subject":         issue.Subject,
				"description":     issue.Description,
				"start_date":      issue.StartDate,
				"due_date":        issue.DueDate,
				"done_ratio":      issue.DoneRatio,
				"estimated_hours": issue.EstimatedHours,
				"synchrony_id":    issue.SynchronyID,
				"synchronized_at": issue.SynchronizedAt,
				"lock_version":    gorm.Expr("lock_version + 1"),
				"updated_on":      now,
			})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleObject
		}
		issue.LockVersion++
		issue.UpdatedOn = now

		if err := replaceCustomValues(tx, models.CustomizedIssue, issue.ID, change.CustomValues); err != nil {
			return err
		}
		if change.UserID == 0 {
			return nil
		}
		return recordIssueJournal(tx, &before, issue, beforeValues, change)
	})
	if err != nil {
		return err
	}

	s.notify(ctx, models.IssueEvent{
		IssueID:             issue.ID,
		Created:             created,
		SkipSynchronization: issue.SkipSynchronization,
	})
	return nil
}

func (s *Store) validateIssue(ctx context.Context, issue *models.Issue) error {
	if strings.TrimSpace(issue.Subject) == "" {
		return &ValidationError{Field: "subject", Message: "cannot be blank"}
	}
	refs := []struct {
		field string
		model interface{}
		id    uint
	}{
		{"project", &models.Project{}, issue.ProjectID},
		{"tracker", &models.Tracker{}, issue.TrackerID},
		{"status", &models.IssueStatus{}, issue.StatusID},
		{"priority", &models.IssuePriority{}, issue.PriorityID},
		{"author", &models.User{}, issue.AuthorID},
	}
	for _, ref := range refs {
		ok, err := s.exists(ctx, ref.model, "id = ?", ref.id)
		if err != nil {
			return err
		}
		if !ok {
			return &ValidationError{Field: ref.field, Message: "is invalid"}
		}
	}
	if issue.AssignedToID != nil {
		ok, err := s.exists(ctx, &models.Member{}, "project_id = ? AND user_id = ?", issue.ProjectID, *issue.AssignedToID)
		if err != nil {
			return err
		}
		if !ok {
			return &ValidationError{Field: "assigned_to", Message: "is invalid"}
		}
	}
	if issue.ParentID != nil {
		if issue.ID != 0 && *issue.ParentID == issue.ID {
			return &ValidationError{Field: "parent", Message: "is invalid"}
		}
		ok, err := s.exists(ctx, &models.Issue{}, "id = ?", *issue.ParentID)
		if err != nil {
			return err
		}
		if !ok {
			return &ValidationError{Field: "parent", Message: "is invalid"}
		}
	}
	return nil
}

func (s *Store) exists(ctx context.Context, model interface{}, query string, args ...interface{}) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func replaceCustomValues(tx *gorm.DB, customizedType string, id uint, values map[uint][]string) error {
	for fieldID, vals := range values {
		if err := tx.Where("customized_type = ? AND customized_id = ? AND custom_field_id = ?", customizedType, id, fieldID).
			Delete(&models.CustomValue{}).Error; err != nil {
			return err
		}
		for _, v := range vals {
			row := &models.CustomValue{CustomizedType: customizedType, CustomizedID: id, CustomFieldID: fieldID, Value: v}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func recordIssueJournal(tx *gorm.DB, before, after *models.Issue, beforeValues []models.CustomValue, change IssueChange) error {
	journal := &models.Journal{IssueID: after.ID, UserID: change.UserID, Notes: change.Notes}
	attrs := []struct {
		key      string
		old, new *string
	}{
		{"project_id", uintStr(&before.ProjectID), uintStr(&after.ProjectID)},
		{"tracker_id", uintStr(&before.TrackerID), uintStr(&after.TrackerID)},
		{"status_id", uintStr(&before.StatusID), uintStr(&after.StatusID)},
		{"priority_id", uintStr(&before.PriorityID), uintStr(&after.PriorityID)},
		{"assigned_to_id", uintStr(before.AssignedToID), uintStr(after.AssignedToID)},
		{"parent_id", uintStr(before.ParentID), uintStr(after.ParentID)},
		{"subject", &before.Subject, &after.Subject},
		{"description", &before.Description, &after.Description},
		{"done_ratio", intStr(before.DoneRatio), intStr(after.DoneRatio)},
		{"start_date", dateStr(before.StartDate), dateStr(after.StartDate)},
		{"due_date", dateStr(before.DueDate), dateStr(after.DueDate)},
	}
	var details []models.JournalDetail
	for _, a := range attrs {
		if !sameValue(a.old, a.new) {
			details = append(details, models.JournalDetail{Property: models.DetailAttr, PropKey: a.key, OldValue: a.old, Value: a.new})
		}
	}
	old := models.FieldValues(beforeValues)
	for fieldID, vals := range change.CustomValues {
		prev := strings.Join(old[fieldID], ",")
		next := strings.Join(vals, ",")
		if prev != next {
			details = append(details, models.JournalDetail{
				Property: models.DetailCustom,
				PropKey:  strconv.FormatUint(uint64(fieldID), 10),
				OldValue: &prev,
				Value:    &next,
			})
		}
	}
	if len(details) == 0 && journal.Notes == "" {
		return nil
	}
	journal.Details = details
	return tx.Create(journal).Error
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func uintStr(v *uint) *string {
	if v == nil {
		return nil
	}
	s := strconv.FormatUint(uint64(*v), 10)
	return &s
}

func intStr(v int) *string {
	s := strconv.Itoa(v)
	return &s
}

func dateStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(models.DateFormat)
	return &s
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return err
}

func first[T any](ctx context.Context, database *gorm.DB, query string, args ...interface{}) (*T, error) {
	var out T
	if err := database.WithContext(ctx).Where(query, args...).First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

// FindIssue loads an issue by local id.
func (s *Store) FindIssue(ctx context.Context, id uint) (*models.Issue, error) {
	return first[models.Issue](ctx, s.db, "id = ?", id)
}

// FindIssueBySynchronyID loads the issue linked to a remote id.
func (s *Store) FindIssueBySynchronyID(ctx context.Context, remoteID int) (*models.Issue, error) {
	return first[models.Issue](ctx, s.db, "synchrony_id = ?", remoteID)
}

// UpdateSyncLink stores the correlation id and synchronized_at without
// bumping lock_version or notifying listeners.
func (s *Store) UpdateSyncLink(ctx context.Context, issueID uint, remoteID *int, synchronizedAt *time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Issue{}).Where("id = ?", issueID).
		UpdateColumns(map[string]interface{}{
			"synchrony_id":    remoteID,
			"synchronized_at": synchronizedAt,
		}).Error
	return translate(err)
}

// IssueCustomValues returns the custom values of an issue in row order.
func (s *Store) IssueCustomValues(ctx context.Context, issueID uint) ([]models.CustomValue, error) {
	var values []models.CustomValue
	err := s.db.WithContext(ctx).
		Where("customized_type = ? AND customized_id = ?", models.CustomizedIssue, issueID).
		Order("id").Find(&values).Error
	return values, err
}

// SetIssueCustomValue replaces one custom value of an issue without a journal
// or notification.
func (s *Store) SetIssueCustomValue(ctx context.Context, issueID, fieldID uint, value string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return replaceCustomValues(tx, models.CustomizedIssue, issueID, map[uint][]string{fieldID: {value}})
	})
}

// SetUserCustomValue replaces one custom value of a user.
func (s *Store) SetUserCustomValue(ctx context.Context, userID, fieldID uint, value string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return replaceCustomValues(tx, models.CustomizedPrincipal, userID, map[uint][]string{fieldID: {value}})
	})
}

// UserCustomValues returns every user's value of one custom field.
func (s *Store) UserCustomValues(ctx context.Context, fieldID uint) ([]models.CustomValue, error) {
	var values []models.CustomValue
	err := s.db.WithContext(ctx).
		Where("customized_type = ? AND custom_field_id = ?", models.CustomizedPrincipal, fieldID).
		Order("id").Find(&values).Error
	return values, err
}

// FindProject loads a project by id.
func (s *Store) FindProject(ctx context.Context, id uint) (*models.Project, error) {
	return first[models.Project](ctx, s.db, "id = ?", id)
}

// FindProjectByName loads a project by exact name.
func (s *Store) FindProjectByName(ctx context.Context, name string) (*models.Project, error) {
	return first[models.Project](ctx, s.db, "name = ?", name)
}

// FindTracker loads a tracker by id.
func (s *Store) FindTracker(ctx context.Context, id uint) (*models.Tracker, error) {
	return first[models.Tracker](ctx, s.db, "id = ?", id)
}

// FindTrackerByName loads a tracker by exact name.
func (s *Store) FindTrackerByName(ctx context.Context, name string) (*models.Tracker, error) {
	return first[models.Tracker](ctx, s.db, "name = ?", name)
}

// FindStatus loads an issue status by id.
func (s *Store) FindStatus(ctx context.Context, id uint) (*models.IssueStatus, error) {
	return first[models.IssueStatus](ctx, s.db, "id = ?", id)
}

// FindStatusByName loads an issue status by exact name.
func (s *Store) FindStatusByName(ctx context.Context, name string) (*models.IssueStatus, error) {
	return first[models.IssueStatus](ctx, s.db, "name = ?", name)
}

// FindPriority loads an issue priority by id.
func (s *Store) FindPriority(ctx context.Context, id uint) (*models.IssuePriority, error) {
	return first[models.IssuePriority](ctx, s.db, "id = ?", id)
}

// FindPriorityByName loads an issue priority by exact name.
func (s *Store) FindPriorityByName(ctx context.Context, name string) (*models.IssuePriority, error) {
	return first[models.IssuePriority](ctx, s.db, "name = ?", name)
}

// FindUser loads a user by id.
func (s *Store) FindUser(ctx context.Context, id uint) (*models.User, error) {
	return first[models.User](ctx, s.db, "id = ?", id)
}

// FindCustomField loads a custom field by id.
func (s *Store) FindCustomField(ctx context.Context, id uint) (*models.CustomField, error) {
	return first[models.CustomField](ctx, s.db, "id = ?", id)
}

// FindCustomFieldByName loads a custom field of the given type by exact name.
func (s *Store) FindCustomFieldByName(ctx context.Context, fieldType, name string) (*models.CustomField, error) {
	return first[models.CustomField](ctx, s.db, "type = ? AND name = ?", fieldType, name)
}

// CustomFields returns every custom field of a type.
func (s *Store) CustomFields(ctx context.Context, fieldType string) ([]models.CustomField, error) {
	var fields []models.CustomField
	err := s.db.WithContext(ctx).Where("type = ?", fieldType).Order("id").Find(&fields).Error
	return fields, err
}

// IssueJournals returns an issue's journals with details, oldest first.
func (s *Store) IssueJournals(ctx context.Context, issueID uint) ([]models.Journal, error) {
	var journals []models.Journal
	err := s.db.WithContext(ctx).Preload("Details").
		Where("issue_id = ?", issueID).Order("id").Find(&journals).Error
	return journals, err
}

// CreateJournal inserts a journal with its details and backfills created_on
// in one transaction.
func (s *Store) CreateJournal(ctx context.Context, journal *models.Journal, createdOn time.Time) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return CreateJournalTx(tx, journal, createdOn)
	})
}

// CreateJournalTx is CreateJournal inside a caller-owned transaction.
func CreateJournalTx(tx *gorm.DB, journal *models.Journal, createdOn time.Time) error {
	if err := tx.Create(journal).Error; err != nil {
		return translate(err)
	}
	if createdOn.IsZero() {
		return nil
	}
	if err := tx.Model(journal).UpdateColumn("created_on", createdOn).Error; err != nil {
		return err
	}
	journal.CreatedOn = createdOn
	return nil
}

// FindJournalBySynchronyIDTx loads an issue's journal linked to a remote
// journal inside a caller-owned transaction.
func FindJournalBySynchronyIDTx(tx *gorm.DB, issueID uint, remoteID int) (*models.Journal, error) {
	var journal models.Journal
	if err := tx.Where("issue_id = ? AND synchrony_id = ?", issueID, remoteID).First(&journal).Error; err != nil {
		return nil, translate(err)
	}
	return &journal, nil
}

// LinkJournal stores the remote journal id on a local journal.
func (s *Store) LinkJournal(ctx context.Context, journalID uint, remoteID int) error {
	return s.db.WithContext(ctx).Model(&models.Journal{}).Where("id = ?", journalID).
		UpdateColumn("synchrony_id", remoteID).Error
}

// IssueAttachments returns an issue's attachments, oldest first.
func (s *Store) IssueAttachments(ctx context.Context, issueID uint) ([]models.Attachment, error) {
	var attachments []models.Attachment
	err := s.db.WithContext(ctx).
		Where("container_type = ? AND container_id = ?", models.CustomizedIssue, issueID).
		Order("id").Find(&attachments).Error
	return attachments, err
}

// FindAttachmentBySynchronyID loads the attachment linked to a remote id.
func (s *Store) FindAttachmentBySynchronyID(ctx context.Context, remoteID int) (*models.Attachment, error) {
	return first[models.Attachment](ctx, s.db, "synchrony_id = ?", remoteID)
}

// CreateAttachmentTx inserts an attachment inside a caller-owned transaction.
func CreateAttachmentTx(tx *gorm.DB, attachment *models.Attachment) error {
	return translate(tx.Create(attachment).Error)
}

// LinkAttachment stores the remote attachment id on a local attachment.
func (s *Store) LinkAttachment(ctx context.Context, attachmentID uint, remoteID int) error {
	err := s.db.WithContext(ctx).Model(&models.Attachment{}).Where("id = ?", attachmentID).
		UpdateColumn("synchrony_id", remoteID).Error
	return translate(err)
}

// IssueRelations returns relations where the issue is either endpoint.
func (s *Store) IssueRelations(ctx context.Context, issueID uint) ([]models.Relation, error) {
	var relations []models.Relation
	err := s.db.WithContext(ctx).
		Where("issue_from_id = ? OR issue_to_id = ?", issueID, issueID).
		Order("id").Find(&relations).Error
	return relations, err
}

// IssueWatchers returns the users watching an issue.
func (s *Store) IssueWatchers(ctx context.Context, issueID uint) ([]models.Watcher, error) {
	var watchers []models.Watcher
	err := s.db.WithContext(ctx).
		Where("watchable_type = ? AND watchable_id = ?", models.CustomizedIssue, issueID).
		Order("user_id").Find(&watchers).Error
	return watchers, err
}

// LinkedIssues returns issues carrying a correlation id, most recently
// synchronized first.
func (s *Store) LinkedIssues(ctx context.Context, limit int) ([]models.Issue, error) {
	var issues []models.Issue
	q := s.db.WithContext(ctx).Where("synchrony_id IS NOT NULL").Order("synchronized_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&issues).Error
	return issues, err
}

// IssuesUpdatedSince returns issues saved after since, oldest save first.
func (s *Store) IssuesUpdatedSince(ctx context.Context, since time.Time) ([]models.Issue, error) {
	var issues []models.Issue
	err := s.db.WithContext(ctx).Where("updated_on > ?", since).Order("updated_on, id").Find(&issues).Error
	return issues, err
}

// CountLinkedIssues counts issues carrying a correlation id.
func (s *Store) CountLinkedIssues(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Issue{}).Where("synchrony_id IS NOT NULL").Count(&count).Error
	return count, err
}

// RecordRun inserts or updates a sync run row.
func (s *Store) RecordRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
