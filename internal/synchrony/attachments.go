package synchrony

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gorm.io/gorm"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/remote"
)

var unsafeFilename = regexp.MustCompile(`[^\w.\-]`)

// diskFilename is the stored name of a pulled file. It keeps the remote id
// so two attachments with the same name never collide.
func diskFilename(stamp string, remoteID int, filename string) string {
	base := unsafeFilename.ReplaceAllString(filepath.Base(filename), "_")
	return fmt.Sprintf("%s_%d_%s", stamp, remoteID, base)
}

// importAttachments copies remote files the issue does not hold yet. Each
// file lands on disk together with its attachment row and journal detail,
// or not at all.
func (p *Puller) importAttachments(ctx context.Context, issueID uint, ri *remote.Issue) error {
	for _, ra := range ri.Attachments {
		_, err := p.store.FindAttachmentBySynchronyID(ctx, ra.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		data, err := p.client.Download(ctx, ra.ContentURL)
		if err != nil {
			if isUnavailable(err) {
				return err
			}
			p.logger.Warn("attachment could not be downloaded, skipping", "attachment_id", ra.ID, "filename", ra.Filename, "error", err)
			continue
		}
		if err := p.storeAttachment(ctx, issueID, ri, ra, data); err != nil {
			return fmt.Errorf("failed to import attachment %d: %w", ra.ID, err)
		}
		p.logger.Info("attachment pulled", "issue_id", issueID, "attachment_id", ra.ID, "filename", ra.Filename)
	}
	return nil
}

func (p *Puller) storeAttachment(ctx context.Context, issueID uint, ri *remote.Issue, ra remote.Attachment, data []byte) error {
	now := p.opts.Now()
	dir := filepath.Join(now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(filepath.Join(p.site.FilesDir, dir), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(p.site.FilesDir, dir), ".pull-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	remoteID := ra.ID
	attachment := &models.Attachment{
		ContainerID:   issueID,
		ContainerType: models.CustomizedIssue,
		Filename:      ra.Filename,
		DiskFilename:  diskFilename(now.Format("060102150405"), ra.ID, ra.Filename),
		DiskDirectory: dir,
		Filesize:      int64(len(data)),
		ContentType:   ra.ContentType,
		Description:   ra.Description,
		AuthorID:      p.localPrincipal(ra.Author.ID),
		SynchronyID:   &remoteID,
	}
	rj := attachmentJournal(ri, ra)

	err = p.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := db.CreateAttachmentTx(tx, attachment); err != nil {
			return err
		}
		journal, err := p.attachmentJournalTx(tx, issueID, ra, rj)
		if err != nil {
			return err
		}
		filename := ra.Filename
		if err := models.RecordChange(tx, journal.ID, models.DetailAttachment, idString(attachment.ID), nil, &filename); err != nil {
			return err
		}
		final := attachment.DiskPath(p.site.FilesDir)
		if err := os.Rename(tmpName, final); err != nil {
			return err
		}
		committed = true
		return os.Chmod(final, 0o644)
	})
	if err != nil && committed {
		_ = os.Remove(attachment.DiskPath(p.site.FilesDir))
	}
	return err
}

// attachmentJournalTx returns the local journal the attachment detail goes
// on: the one linked to the remote attachment journal, or a new one.
func (p *Puller) attachmentJournalTx(tx *gorm.DB, issueID uint, ra remote.Attachment, rj *remote.Journal) (*models.Journal, error) {
	journal := &models.Journal{IssueID: issueID, UserID: p.localPrincipal(ra.Author.ID)}
	createdOn := ra.CreatedOn
	if rj != nil {
		existing, err := db.FindJournalBySynchronyIDTx(tx, issueID, rj.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		remoteID := rj.ID
		journal.UserID = p.localPrincipal(rj.User.ID)
		journal.SynchronyID = &remoteID
		createdOn = rj.CreatedOn
	}
	if err := db.CreateJournalTx(tx, journal, createdOn); err != nil {
		return nil, err
	}
	return journal, nil
}

// attachmentJournal finds the remote journal that recorded the attachment.
func attachmentJournal(ri *remote.Issue, ra remote.Attachment) *remote.Journal {
	key := strconv.Itoa(ra.ID)
	var byName *remote.Journal
	for i := range ri.Journals {
		rj := &ri.Journals[i]
		for _, d := range rj.Details {
			if d.Property != models.DetailAttachment || d.OldValue != nil || d.NewValue == nil {
				continue
			}
			if d.Name == key {
				return rj
			}
			if *d.NewValue == ra.Filename && byName == nil {
				byName = rj
			}
		}
	}
	return byName
}

// pushAttachments uploads local files the remote issue does not carry yet and
// links each one to the remote attachment it produced.
func (r *pushRun) pushAttachments(ctx context.Context) error {
	local, err := r.store.IssueAttachments(ctx, r.issue.ID)
	if err != nil {
		return err
	}
	linked := make(map[int]bool)
	for _, a := range local {
		if a.Linked() {
			linked[*a.SynchronyID] = true
		}
	}

	for _, a := range local {
		if a.Linked() {
			continue
		}
		pushed, err := r.pushAttachment(ctx, a, linked)
		if err != nil {
			if isUnavailable(err) {
				return err
			}
			r.log.Warn("attachment could not be pushed", "attachment_id", a.ID, "filename", a.Filename, "error", err)
			continue
		}
		if pushed {
			r.result.AttachmentsPushed++
		}
	}
	return nil
}

func (r *pushRun) pushAttachment(ctx context.Context, a models.Attachment, linked map[int]bool) (bool, error) {
	f, err := os.Open(a.DiskPath(r.site.FilesDir))
	if err != nil {
		r.log.Warn("attachment file missing, skipping", "attachment_id", a.ID, "path", a.DiskPath(r.site.FilesDir))
		return false, nil
	}
	defer f.Close()

	token, err := r.client.Upload(ctx, a.Filename, f)
	if err != nil {
		return false, err
	}
	err = r.client.UpdateIssue(ctx, r.remoteID, remote.IssuePayload{Uploads: []remote.Upload{{
		Token:       token,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Description: a.Description,
	}}})
	if err != nil {
		return false, err
	}

	fresh, err := r.client.GetIssue(ctx, r.remoteID, "attachments", "journals")
	if err != nil {
		return false, err
	}
	for i := len(fresh.Attachments) - 1; i >= 0; i-- {
		ra := fresh.Attachments[i]
		if linked[ra.ID] || ra.Filename != a.Filename {
			continue
		}
		if err := r.store.LinkAttachment(ctx, a.ID, ra.ID); err != nil {
			return false, err
		}
		linked[ra.ID] = true
		if rj := attachmentJournal(fresh, ra); rj != nil {
			r.known[rj.ID] = true
		}
		return true, nil
	}
	r.log.Warn("uploaded attachment not found on remote issue", "attachment_id", a.ID, "filename", a.Filename)
	return true, nil
}
