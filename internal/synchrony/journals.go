package synchrony

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

// importJournals creates one local journal per uncorrelated remote journal.
// Attachment entries are left to importAttachments.
func (p *Puller) importJournals(ctx context.Context, issueID uint, ri *remote.Issue) error {
	local, err := p.store.IssueJournals(ctx, issueID)
	if err != nil {
		return err
	}
	linked := make(map[int]bool, len(local))
	for _, j := range local {
		if j.Linked() {
			linked[*j.SynchronyID] = true
		}
	}

	for _, rj := range ri.Journals {
		if linked[rj.ID] || rj.HasAttachmentDetail() {
			continue
		}
		if p.guard.HasMarker(rj.Notes) {
			if echo := echoedNote(local, rj.Notes); echo != nil {
				if err := p.store.LinkJournal(ctx, echo.ID, rj.ID); err != nil {
					return err
				}
				echo.SynchronyID = &rj.ID
				continue
			}
		}

		remoteID := rj.ID
		journal := &models.Journal{
			IssueID:      issueID,
			UserID:       p.localPrincipal(rj.User.ID),
			Notes:        rj.Notes,
			PrivateNotes: rj.PrivateNotes,
			SynchronyID:  &remoteID,
		}
		for _, d := range rj.Details {
			detail, err := p.mapDetail(ctx, ri, d)
			if err != nil {
				return err
			}
			if detail != nil {
				journal.Details = append(journal.Details, *detail)
			}
		}
		if err := p.store.CreateJournal(ctx, journal, rj.CreatedOn); err != nil {
			return fmt.Errorf("failed to create journal for remote journal %d: %w", rj.ID, err)
		}
		linked[rj.ID] = true
	}
	return nil
}

// echoedNote finds the unlinked local note a marked remote note carries.
func echoedNote(local []models.Journal, remoteNotes string) *models.Journal {
	for i := range local {
		j := &local[i]
		if j.Linked() || j.Notes == "" {
			continue
		}
		if strings.Contains(remoteNotes, j.Notes) {
			return j
		}
	}
	return nil
}

func (p *Puller) localPrincipal(remoteUserID int) uint {
	if local, ok := p.principals.ToLocal(remoteUserID); ok {
		return local
	}
	return p.mappings.Defaults.Assignee
}

// mapDetail rewrites a remote field transition with local identifiers. A
// nil detail means the transition is dropped.
func (p *Puller) mapDetail(ctx context.Context, ri *remote.Issue, d remote.JournalDetail) (*models.JournalDetail, error) {
	detail := &models.JournalDetail{Property: d.Property, PropKey: d.Name, OldValue: d.OldValue, Value: d.NewValue}
	switch d.Property {
	case models.DetailAttachment:
		return nil, nil
	case models.DetailAttr:
		var err error
		switch d.Name {
		case "status_id":
			detail.OldValue, err = p.mapCatalogValue(ctx, settings.DimIssueStatus, d.OldValue)
			if err == nil {
				detail.Value, err = p.mapCatalogValue(ctx, settings.DimIssueStatus, d.NewValue)
			}
		case "priority_id":
			detail.OldValue, err = p.mapCatalogValue(ctx, settings.DimIssuePriority, d.OldValue)
			if err == nil {
				detail.Value, err = p.mapCatalogValue(ctx, settings.DimIssuePriority, d.NewValue)
			}
		case "assigned_to_id":
			detail.OldValue = p.mapPrincipalValue(d.OldValue)
			detail.Value = p.mapPrincipalValue(d.NewValue)
		}
		return detail, err
	case models.DetailCustom:
		return p.mapCustomDetail(ri, detail), nil
	}
	return detail, nil
}

// mapPrincipalValue maps a remote user id to the local one. Empty and
// unknown values become the default assignee, or stay empty without one.
func (p *Puller) mapPrincipalValue(v *string) *string {
	if v != nil && *v != "" {
		if rid, err := strconv.Atoi(*v); err == nil {
			if local, ok := p.principals.ToLocal(rid); ok {
				s := idString(local)
				return &s
			}
		}
	}
	if p.mappings.Defaults.Assignee == 0 {
		return nil
	}
	s := idString(p.mappings.Defaults.Assignee)
	return &s
}

// mapCatalogValue maps a remote status or priority id to the local id,
// falling back to the configured default.
func (p *Puller) mapCatalogValue(ctx context.Context, dim settings.Dimension, v *string) (*string, error) {
	if v == nil || *v == "" {
		return v, nil
	}
	def := p.mappings.Defaults.IssueStatus
	lookup := p.catalog.statusName
	if dim == settings.DimIssuePriority {
		def = p.mappings.Defaults.IssuePriority
		lookup = p.catalog.priorityName
	}

	var name string
	if rid, err := strconv.Atoi(*v); err == nil {
		n, ok, err := lookup(ctx, rid)
		if err != nil {
			return nil, err
		}
		if ok {
			name = n
		}
	}
	id := def
	if name != "" {
		local, err := p.localID(ctx, dim, name, 0)
		if err != nil {
			return nil, err
		}
		if local != 0 {
			id = local
		}
	}
	if id == def {
		p.logger.Info("journal value not mapped, replaced with default", "dimension", string(dim), "remote_value", *v, "remote_name", name)
	}
	s := idString(id)
	return &s, nil
}

// mapCustomDetail rewrites a custom field transition to the local field.
func (p *Puller) mapCustomDetail(ri *remote.Issue, detail *models.JournalDetail) *models.JournalDetail {
	remoteID, _ := strconv.Atoi(detail.PropKey)
	name := ""
	if cf, ok := ri.CustomField(remoteID); ok {
		name = cf.Name
	}
	entry, ok := p.mapper.entry(SourceValue{FieldID: remoteID, Name: name})
	if !ok {
		p.logger.Info("journal custom field not mapped, skipping", "remote_field_id", detail.PropKey)
		return nil
	}
	var field *models.CustomField
	for i := range p.localFields {
		if sameName(p.localFields[i].Name, entry.Local) {
			field = &p.localFields[i]
			break
		}
	}
	if field == nil {
		p.logger.Info("journal custom field not found locally, skipping", "field", entry.Local)
		return nil
	}
	detail.PropKey = idString(field.ID)

	if field.IsPrincipal() {
		for _, v := range []**string{&detail.OldValue, &detail.Value} {
			if *v == nil || **v == "" {
				continue
			}
			mapped, ok := p.principals.translate(Pull, **v)
			if !ok {
				p.logger.Info("journal user value has no local identity, skipping", "field", field.Name, "value", **v)
				return nil
			}
			*v = &mapped
		}
	}
	return detail
}

// pushNotes sends local notes the remote does not carry yet and links each
// one to the remote journal it produced.
func (p *pushRun) pushNotes(ctx context.Context) error {
	local, err := p.store.IssueJournals(ctx, p.issue.ID)
	if err != nil {
		return err
	}
	var candidates []models.Journal
	for _, j := range local {
		if j.PushCandidate() {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var remoteNotes []string
	for _, rj := range p.remoteIssue.Journals {
		if rj.Notes != "" && !rj.PrivateNotes && !p.guard.HasMarker(rj.Notes) {
			remoteNotes = append(remoteNotes, rj.Notes)
		}
	}

	for _, j := range candidates {
		if containsNote(remoteNotes, j.Notes) {
			p.log.Debug("note already present on remote", "journal_id", j.ID)
			continue
		}
		author := ""
		if u, err := p.store.FindUser(ctx, j.UserID); err == nil {
			author = u.Name()
		}
		if err := p.client.UpdateIssue(ctx, p.remoteID, remote.IssuePayload{Notes: p.guard.MarkNote(author, j.Notes)}); err != nil {
			if isUnavailable(err) {
				return err
			}
			p.log.Warn("note could not be pushed", "journal_id", j.ID, "error", err)
			continue
		}
		fresh, err := p.client.GetIssue(ctx, p.remoteID, "journals")
		if err != nil {
			return err
		}
		if n := len(fresh.Journals); n > 0 {
			if err := p.store.LinkJournal(ctx, j.ID, fresh.Journals[n-1].ID); err != nil {
				return err
			}
			p.known[fresh.Journals[n-1].ID] = true
		}
		p.result.NotesPushed++
	}
	return nil
}

func containsNote(remoteNotes []string, note string) bool {
	for _, rn := range remoteNotes {
		if strings.Contains(rn, note) {
			return true
		}
	}
	return false
}

// linkChangeJournal links the issue's latest note-less journal to the
// note-less remote journal this push produced, so a later pull does not
// import the same change back.
func (p *pushRun) linkChangeJournal(ctx context.Context, fresh *remote.Issue) error {
	local, err := p.store.IssueJournals(ctx, p.issue.ID)
	if err != nil || len(local) == 0 {
		return err
	}
	last := local[len(local)-1]
	if last.Notes != "" || last.Linked() {
		return nil
	}
	for i := len(fresh.Journals) - 1; i >= 0; i-- {
		rj := fresh.Journals[i]
		if p.known[rj.ID] || rj.Notes != "" || rj.HasAttachmentDetail() {
			continue
		}
		p.known[rj.ID] = true
		return p.store.LinkJournal(ctx, last.ID, rj.ID)
	}
	return nil
}
