package synchrony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
	"synchrony/internal/telemetry"
)

// Counts tallies per-issue outcomes.
type Counts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	UpToDate  int `json:"up_to_date"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

func (c *Counts) add(outcome string) {
	switch outcome {
	case telemetry.OutcomeCreated:
		c.Created++
	case telemetry.OutcomeUpdated:
		c.Updated++
	case telemetry.OutcomeUpToDate:
		c.UpToDate++
	case telemetry.OutcomeConflict:
		c.Conflicts++
	case telemetry.OutcomeFailed:
		c.Failed++
	default:
		c.Skipped++
	}
}

// Plus returns the sum of two tallies.
func (c Counts) Plus(o Counts) Counts {
	return Counts{
		Created:   c.Created + o.Created,
		Updated:   c.Updated + o.Updated,
		UpToDate:  c.UpToDate + o.UpToDate,
		Skipped:   c.Skipped + o.Skipped,
		Conflicts: c.Conflicts + o.Conflicts,
		Failed:    c.Failed + o.Failed,
	}
}

// ProjectResult is the outcome of pulling one target project.
type ProjectResult struct {
	Project string `json:"project"`
	// NotFound is set when the remote has no project of that name.
	NotFound bool `json:"not_found,omitempty"`
	Counts
}

// PullResult is the outcome of one pull invocation.
type PullResult struct {
	Site       string          `json:"site"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Projects   []ProjectResult `json:"projects"`
}

// Total sums the per-project tallies.
func (r *PullResult) Total() Counts {
	var total Counts
	for _, p := range r.Projects {
		total = total.Plus(p.Counts)
	}
	return total
}

// Puller imports remote issues of one site pairing.
type Puller struct {
	store    *db.Store
	site     *settings.Site
	mappings *settings.MappingTables
	opts     Options
	logger   *slog.Logger
	guard    LoopGuard

	// per invocation
	client      *remote.Client
	catalog     *remoteCatalog
	principals  *PrincipalTable
	localFields []models.CustomField
	mapper      *FieldMapper
}

// NewPuller prepares a pull for site.
func NewPuller(store *db.Store, site *settings.Site, opts Options) *Puller {
	opts = opts.withDefaults()
	return &Puller{
		store:    store,
		site:     site,
		mappings: site.Mappings(),
		opts:     opts,
		logger:   siteLogger(opts.Logger, site, Pull),
		guard:    NewLoopGuard(site.JournalMarker),
	}
}

// Pull runs one pull over every enabled target project. Committed per-issue
// writes survive a later failure in the same run.
func (p *Puller) Pull(ctx context.Context) (*PullResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "synchrony.pull", attribute.String("site", p.site.Name))
	defer span.End()

	result := &PullResult{Site: p.site.Name, StartedAt: p.opts.Now()}
	err := p.run(ctx, result)
	result.FinishedAt = p.opts.Now()
	p.opts.Metrics.RecordRun(ctx, p.site.Name, models.SyncDirectionPull, result.FinishedAt.Sub(result.StartedAt), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pull failed")
	}
	return result, err
}

func (p *Puller) run(ctx context.Context, result *PullResult) error {
	p.logger.Info("pulling attempt", "target_site", p.site.TargetSite)

	if err := p.site.ValidateForPull(); err != nil {
		p.logger.Warn("pull terminated", "error", err)
		return err
	}
	if err := p.prepare(ctx); err != nil {
		return p.fail(err)
	}

	for _, target := range p.mappings.EnabledTargets(settings.DimProject) {
		pr, err := p.pullProject(ctx, target)
		result.Projects = append(result.Projects, pr)
		if err != nil {
			return p.fail(err)
		}
		p.logger.Info("project pulled", "project", target,
			"created", pr.Created, "updated", pr.Updated, "up_to_date", pr.UpToDate,
			"skipped", pr.Skipped, "conflicts", pr.Conflicts, "failed", pr.Failed)
	}
	p.logger.Info("pulling finished")
	return nil
}

// prepare checks the local bookkeeping fields and loads per-run state.
func (p *Puller) prepare(ctx context.Context) error {
	for _, f := range []struct {
		setting string
		id      uint
	}{
		{"local_synchronizable_switch", p.site.LocalSynchronizableSwitch},
		{"local_last_sync_successful", p.site.LocalLastSyncSuccessful},
		{"local_remote_url", p.site.LocalRemoteURL},
		{"local_initial_project", p.site.LocalInitialProject},
	} {
		if _, err := p.store.FindCustomField(ctx, f.id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return &ConfigurationError{Setting: f.setting}
			}
			return err
		}
	}

	identity, err := resolveIdentityField(ctx, p.store, p.site)
	if err != nil {
		return err
	}
	if p.principals, err = LoadPrincipalTable(ctx, p.store, identity); err != nil {
		return err
	}
	if p.localFields, err = p.store.CustomFields(ctx, models.CustomFieldTypeIssue); err != nil {
		return err
	}
	defs := make([]FieldDefinition, 0, len(p.localFields))
	for _, cf := range p.localFields {
		defs = append(defs, LocalFieldDefinition(cf))
	}
	p.mapper = &FieldMapper{
		Direction:  Pull,
		Mappings:   p.mappings,
		Targets:    defs,
		Principals: p.principals,
		Bookkeeping: Bookkeeping{
			Source: bookkeepingRemote(p.site),
			Target: bookkeepingLocal(p.site, identity),
		},
		Logger: p.logger,
	}

	if p.client, err = newClient(p.site, p.opts); err != nil {
		return err
	}
	p.catalog = newRemoteCatalog(p.client)
	return nil
}

// fail classifies a run-level error. Unavailability passes through so the
// caller can retry on the next invocation; anything else becomes a SyncError.
func (p *Puller) fail(err error) error {
	switch {
	case IsConfigurationError(err):
		p.logger.Warn("pull terminated", "error", err)
		return err
	case isUnavailable(err), errors.Is(err, context.Canceled):
		p.logger.Warn("pull aborted", "error", err)
		return fmt.Errorf("pull %s: %w", p.site.Name, err)
	}
	p.logger.Error("pull error", "error", err)
	return &SyncError{Site: p.site.Name, Err: err}
}

func (p *Puller) pullProject(ctx context.Context, target string) (ProjectResult, error) {
	pr := ProjectResult{Project: target}
	project, ok, err := p.catalog.project(ctx, target)
	if err != nil {
		return pr, err
	}
	if !ok {
		p.logger.Info("project not found on target site", "project", target)
		pr.NotFound = true
		return pr, nil
	}

	since := p.opts.Now().Add(-p.site.LookBack)
	for offset := 0; ; {
		page, err := p.client.ListIssues(ctx, remote.IssueQuery{
			ProjectID:    project.ID,
			UpdatedSince: since,
			Sort:         "updated_on:desc",
			Limit:        remote.DefaultPageLimit,
			Offset:       offset,
			AllStatuses:  true,
		})
		if err != nil {
			return pr, err
		}
		for i := range page.Issues {
			issue := &page.Issues[i]
			if !p.remoteSynchronizable(issue) {
				continue
			}
			outcome, err := p.pullIssue(ctx, issue)
			if err != nil {
				return pr, err
			}
			pr.add(outcome)
			p.opts.Metrics.RecordIssue(ctx, p.site.Name, models.SyncDirectionPull, outcome)
		}
		offset += len(page.Issues)
		if len(page.Issues) == 0 || offset >= page.TotalCount {
			break
		}
	}
	return pr, nil
}

func (p *Puller) remoteSynchronizable(issue *remote.Issue) bool {
	cf, ok := issue.CustomField(p.site.RemoteSynchronizableSwitch)
	return ok && cf.First() == "1"
}

func (p *Puller) localSynchronizable(ctx context.Context, issueID uint) (bool, error) {
	values, err := p.store.IssueCustomValues(ctx, issueID)
	if err != nil {
		return false, err
	}
	return models.FirstValue(values, p.site.LocalSynchronizableSwitch) == "1", nil
}

// pullIssue reconciles one remote issue and returns its outcome. A non-nil
// error aborts the run.
func (p *Puller) pullIssue(ctx context.Context, ri *remote.Issue) (string, error) {
	log := p.logger.With("remote_id", ri.ID, "subject", ri.Subject)

	if reason := p.dimensionSkip(ri); reason != "" {
		log.Info("issue skipped", "reason", reason)
		return telemetry.OutcomeSkipped, nil
	}

	existing, err := p.store.FindIssueBySynchronyID(ctx, ri.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", err
	}
	if existing != nil {
		ok, err := p.localSynchronizable(ctx, existing.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			log.Info("synchronization disabled for local issue", "issue_id", existing.ID)
			return telemetry.OutcomeSkipped, nil
		}
	}

	fields, err := p.resolve(ctx, ri)
	if err != nil {
		return "", err
	}

	if existing != nil && existing.Converged(ri.UpdatedOn) {
		log.Debug("issue is up to date", "issue_id", existing.ID)
		return telemetry.OutcomeUpToDate, nil
	}

	values := p.customValues(ri, fields.ProjectID)
	if existing != nil {
		return p.update(ctx, log, existing, ri, fields, values)
	}
	return p.create(ctx, log, ri, fields, values)
}

// dimensionSkip returns why a remote issue is excluded by the mapping
// tables, or "".
func (p *Puller) dimensionSkip(ri *remote.Issue) string {
	entry, ok := p.mappings.ByTarget(settings.DimProject, ri.Project.Name)
	if !ok || !entry.Enabled() {
		return "project synchronization disabled"
	}
	for _, d := range []struct {
		dim  settings.Dimension
		name string
	}{
		{settings.DimTracker, ri.Tracker.Name},
		{settings.DimIssueStatus, ri.Status.Name},
		{settings.DimIssuePriority, ri.Priority.Name},
	} {
		if !p.mappings.Has(d.dim) {
			return string(d.dim) + " mapping not configured"
		}
		if e, ok := p.mappings.ByTarget(d.dim, d.name); ok && !e.Enabled() {
			return string(d.dim) + " synchronization disabled"
		}
	}
	return ""
}

func (p *Puller) customValues(ri *remote.Issue, projectID uint) map[uint][]string {
	values := map[uint][]string{
		p.site.LocalSynchronizableSwitch: {"1"},
		p.site.LocalRemoteURL:            {p.site.RemoteIssueURL(ri.ID)},
		p.site.LocalInitialProject:       {idString(projectID)},
	}
	sources := make([]SourceValue, 0, len(ri.CustomFields))
	for _, cf := range ri.CustomFields {
		sources = append(sources, SourceValue{FieldID: cf.ID, Name: cf.Name, Values: cf.Value})
	}
	for _, tv := range p.mapper.TranslateCustomFields(sources) {
		values[uint(tv.FieldID)] = tv.Values
	}
	return values
}

func (p *Puller) apply(issue *models.Issue, ri *remote.Issue, fields resolvedFields) {
	issue.ProjectID = fields.ProjectID
	issue.TrackerID = fields.TrackerID
	issue.StatusID = fields.StatusID
	issue.PriorityID = fields.PriorityID
	issue.AssignedToID = fields.AssignedToID
	if fields.ParentID != nil {
		issue.ParentID = fields.ParentID
	}
	issue.Subject = ri.Subject
	issue.Description = ri.Description
	issue.StartDate = parseDate(ri.StartDate)
	issue.DueDate = parseDate(ri.DueDate)
	issue.DoneRatio = ri.DoneRatio
	issue.EstimatedHours = ri.EstimatedHours
	updatedOn := ri.UpdatedOn
	issue.SynchronizedAt = &updatedOn
	issue.SkipSynchronization = true
}

func (p *Puller) update(ctx context.Context, log *slog.Logger, issue *models.Issue, ri *remote.Issue, fields resolvedFields, values map[uint][]string) (string, error) {
	full, err := p.client.GetIssue(ctx, ri.ID, "journals", "attachments")
	if err != nil {
		return "", err
	}
	if err := p.importJournals(ctx, issue.ID, full); err != nil {
		return "", err
	}
	if err := p.importAttachments(ctx, issue.ID, full); err != nil {
		return "", err
	}

	p.apply(issue, ri, fields)
	err = p.store.SaveIssue(ctx, db.IssueChange{Issue: issue, CustomValues: values})
	if errors.Is(err, db.ErrInvalidRecord) {
		log.Info("issue assignee replaced with default user", "error", err)
		issue.AssignedToID = p.defaultAssignee()
		err = p.store.SaveIssue(ctx, db.IssueChange{Issue: issue, CustomValues: values})
	}
	switch {
	case err == nil:
		log.Info("issue pulled", "issue_id", issue.ID, "action", "updated")
		return telemetry.OutcomeUpdated, nil
	case errors.Is(err, db.ErrStaleObject):
		log.Info("issue was updated by another user, skipping", "issue_id", issue.ID)
		return telemetry.OutcomeConflict, nil
	case errors.Is(err, db.ErrInvalidRecord):
		log.Warn("issue could not be saved", "issue_id", issue.ID, "error", err)
		return telemetry.OutcomeFailed, nil
	}
	return "", err
}

func (p *Puller) create(ctx context.Context, log *slog.Logger, ri *remote.Issue, fields resolvedFields, values map[uint][]string) (string, error) {
	remoteID := ri.ID
	issue := &models.Issue{AuthorID: fields.AuthorID, SynchronyID: &remoteID}
	p.apply(issue, ri, fields)

	err := p.store.SaveIssue(ctx, db.IssueChange{Issue: issue, CustomValues: values})
	if errors.Is(err, db.ErrInvalidRecord) {
		log.Info("issue author and assignee replaced with default user", "error", err)
		issue.ID = 0
		issue.AuthorID = p.mappings.Defaults.Assignee
		issue.AssignedToID = p.defaultAssignee()
		err = p.store.SaveIssue(ctx, db.IssueChange{Issue: issue, CustomValues: values})
	}
	switch {
	case errors.Is(err, db.ErrStaleObject):
		log.Info("issue was updated by another user, skipping")
		return telemetry.OutcomeConflict, nil
	case errors.Is(err, db.ErrInvalidRecord):
		log.Warn("issue could not be created", "error", err)
		return telemetry.OutcomeFailed, nil
	case err != nil:
		return "", err
	}

	full, err := p.client.GetIssue(ctx, ri.ID, "journals", "attachments")
	if err != nil {
		return "", err
	}
	if err := p.importJournals(ctx, issue.ID, full); err != nil {
		return "", err
	}
	if err := p.importAttachments(ctx, issue.ID, full); err != nil {
		return "", err
	}
	log.Info("issue pulled", "issue_id", issue.ID, "action", "created")
	return telemetry.OutcomeCreated, nil
}

func (p *Puller) defaultAssignee() *uint {
	if p.mappings.Defaults.Assignee == 0 {
		return nil
	}
	id := p.mappings.Defaults.Assignee
	return &id
}
