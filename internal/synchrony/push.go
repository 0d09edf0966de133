package synchrony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
	"synchrony/internal/telemetry"
)

// Push actions
const (
	ActionSkipped   = "skipped"
	ActionTurnedOff = "turned_off"
	ActionUpdated   = "updated"
	ActionCreated   = "created"
	ActionRecreated = "recreated"
	ActionRejected  = "rejected"
)

// PushResult is the outcome of pushing one issue to one site.
type PushResult struct {
	Site              string `json:"site"`
	IssueID           uint   `json:"issue_id"`
	RemoteID          int    `json:"remote_id,omitempty"`
	Action            string `json:"action"`
	Reason            string `json:"reason,omitempty"`
	NotesPushed       int    `json:"notes_pushed,omitempty"`
	AttachmentsPushed int    `json:"attachments_pushed,omitempty"`
	RelationsCreated  int    `json:"relations_created,omitempty"`
	RelationsDeleted  int    `json:"relations_deleted,omitempty"`
	WatchersAdded     int    `json:"watchers_added,omitempty"`
	WatchersRemoved   int    `json:"watchers_removed,omitempty"`
}

func (r *PushResult) outcome() string {
	switch r.Action {
	case ActionCreated, ActionRecreated:
		return telemetry.OutcomeCreated
	case ActionUpdated:
		return telemetry.OutcomeUpdated
	case ActionRejected:
		return telemetry.OutcomeRejected
	case ActionTurnedOff:
		return telemetry.OutcomeTurnedOff
	}
	return telemetry.OutcomeSkipped
}

// Pusher exports local issue saves to one site pairing.
type Pusher struct {
	store    *db.Store
	site     *settings.Site
	mappings *settings.MappingTables
	opts     Options
	logger   *slog.Logger
	guard    LoopGuard
}

// NewPusher prepares pushes for site.
func NewPusher(store *db.Store, site *settings.Site, opts Options) *Pusher {
	opts = opts.withDefaults()
	return &Pusher{
		store:    store,
		site:     site,
		mappings: site.Mappings(),
		opts:     opts,
		logger:   siteLogger(opts.Logger, site, Push),
		guard:    NewLoopGuard(site.JournalMarker),
	}
}

// Site returns the site pairing name.
func (p *Pusher) Site() string {
	return p.site.Name
}

// pushRun is the state of one Push call.
type pushRun struct {
	*Pusher
	log         *slog.Logger
	issue       *models.Issue
	project     *models.Project
	values      []models.CustomValue
	principals  *PrincipalTable
	client      *remote.Client
	catalog     *remoteCatalog
	remoteID    int
	remoteIssue *remote.Issue
	// known holds remote journal ids that existed before this push or are
	// already linked.
	known  map[int]bool
	result *PushResult
}

// Push sends one saved issue to the remote tracker. Rejections are recorded
// on the issue and reported in the result, not returned as errors.
func (p *Pusher) Push(ctx context.Context, issueID uint, event models.IssueEvent) (*PushResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "synchrony.push",
		attribute.String("site", p.site.Name), attribute.Int("issue_id", int(issueID)))
	defer span.End()

	start := p.opts.Now()
	run := &pushRun{
		Pusher: p,
		log:    p.logger.With("issue_id", issueID),
		known:  make(map[int]bool),
		result: &PushResult{Site: p.site.Name, IssueID: issueID, Action: ActionSkipped},
	}
	err := run.push(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		if !IsConfigurationError(err) && !isUnavailable(err) {
			run.log.Error("push error", "error", err)
		}
	} else {
		p.opts.Metrics.RecordIssue(ctx, p.site.Name, models.SyncDirectionPush, run.result.outcome())
	}
	p.opts.Metrics.RecordRun(ctx, p.site.Name, models.SyncDirectionPush, p.opts.Now().Sub(start), err)
	return run.result, err
}

func (r *pushRun) skip(reason string) error {
	r.result.Action = ActionSkipped
	r.result.Reason = reason
	r.log.Info("push skipped", "reason", reason)
	return nil
}

func (r *pushRun) push(ctx context.Context, event models.IssueEvent) error {
	if r.guard.Suppressed(event) {
		return r.skip("write made by synchronization")
	}

	var err error
	r.issue, err = r.store.FindIssue(ctx, r.result.IssueID)
	if errors.Is(err, db.ErrNotFound) {
		return r.skip("issue not found")
	}
	if err != nil {
		return err
	}
	if r.values, err = r.store.IssueCustomValues(ctx, r.issue.ID); err != nil {
		return err
	}
	synchronizable := models.FirstValue(r.values, r.site.LocalSynchronizableSwitch) == "1"
	if !synchronizable && (event.Created || !r.issue.Linked()) {
		return nil
	}

	if r.project, err = r.store.FindProject(ctx, r.issue.ProjectID); err != nil {
		return err
	}
	projectEntry, ok := r.mappings.ByLocal(settings.DimProject, r.project.Name)
	if !ok {
		return r.skip("project not configured for site")
	}

	r.log.Info("pushing attempt", "project", r.project.Name, "subject", r.issue.Subject)
	if err := r.site.ValidateForPush(); err != nil {
		r.log.Warn("push terminated", "error", err)
		return err
	}

	entries := map[settings.Dimension]settings.MappingEntry{settings.DimProject: projectEntry}
	names, err := r.localNames(ctx)
	if err != nil {
		return err
	}
	for _, dim := range []settings.Dimension{settings.DimTracker, settings.DimIssueStatus, settings.DimIssuePriority} {
		e, ok := r.mappings.ByLocal(dim, names[dim])
		if !ok {
			return r.skip(string(dim) + " " + names[dim] + " not mapped")
		}
		entries[dim] = e
	}
	for _, dim := range []settings.Dimension{settings.DimProject, settings.DimTracker, settings.DimIssueStatus, settings.DimIssuePriority} {
		if !entries[dim].Enabled() {
			return r.skip(string(dim) + " synchronization disabled")
		}
	}

	identity, err := resolveIdentityField(ctx, r.store, r.site)
	if err != nil {
		return err
	}
	if r.principals, err = LoadPrincipalTable(ctx, r.store, identity); err != nil {
		return err
	}
	assignee, author, ok := r.remotePrincipals()
	if !ok {
		return r.skip("user has no remote identity")
	}

	if r.client, err = newClient(r.site, r.opts); err != nil {
		return err
	}
	r.catalog = newRemoteCatalog(r.client)

	if !synchronizable {
		return r.turnOff(ctx)
	}

	payload, ok, err := r.payload(ctx, entries, identity, assignee, author)
	if err != nil || !ok {
		return err
	}
	return r.upsert(ctx, payload)
}

func (r *pushRun) localNames(ctx context.Context) (map[settings.Dimension]string, error) {
	tracker, err := r.store.FindTracker(ctx, r.issue.TrackerID)
	if err != nil {
		return nil, err
	}
	status, err := r.store.FindStatus(ctx, r.issue.StatusID)
	if err != nil {
		return nil, err
	}
	priority, err := r.store.FindPriority(ctx, r.issue.PriorityID)
	if err != nil {
		return nil, err
	}
	return map[settings.Dimension]string{
		settings.DimTracker:       tracker.Name,
		settings.DimIssueStatus:   status.Name,
		settings.DimIssuePriority: priority.Name,
	}, nil
}

// remotePrincipals returns the remote ids of assignee and author, falling
// back to the project's default assignee.
func (r *pushRun) remotePrincipals() (assignee, author int, ok bool) {
	fallback := r.mappings.Defaults.Assignee
	if r.project.DefaultAssignedToID != nil {
		fallback = *r.project.DefaultAssignedToID
	}
	def, hasDef := r.principals.ToRemote(fallback)

	resolve := func(local *uint) (int, bool) {
		if local != nil {
			if rid, ok := r.principals.ToRemote(*local); ok {
				return rid, true
			}
		}
		return def, hasDef
	}
	if assignee, ok = resolve(r.issue.AssignedToID); !ok {
		r.log.Info("assignee has no remote identity and neither has the default assignee")
		return 0, 0, false
	}
	if author, ok = resolve(&r.issue.AuthorID); !ok {
		r.log.Info("author has no remote identity and neither has the default assignee")
		return 0, 0, false
	}
	return assignee, author, true
}

func (r *pushRun) turnOff(ctx context.Context) error {
	r.remoteID = *r.issue.SynchronyID
	r.result.RemoteID = r.remoteID
	r.log.Info("issue marked as non-synchronizable, turning it off on remote", "remote_id", r.remoteID)
	err := r.client.UpdateIssue(ctx, r.remoteID, remote.IssuePayload{
		CustomFields: []remote.CustomFieldValue{{ID: r.site.RemoteSynchronizableSwitch, Value: []string{"0"}}},
	})
	if errors.Is(err, remote.ErrNotFound) {
		return r.skip("remote issue not found")
	}
	if err != nil {
		return err
	}
	r.result.Action = ActionTurnedOff
	return nil
}

func (r *pushRun) payload(ctx context.Context, entries map[settings.Dimension]settings.MappingEntry, identity uint, assignee, author int) (remote.IssuePayload, bool, error) {
	var out remote.IssuePayload

	project, ok, err := r.catalog.project(ctx, entries[settings.DimProject].Target)
	if err != nil || !ok {
		return out, false, r.missing(err, "project", entries[settings.DimProject].Target)
	}
	tracker, ok, err := r.catalog.tracker(ctx, entries[settings.DimTracker].Target)
	if err != nil || !ok {
		return out, false, r.missing(err, "tracker", entries[settings.DimTracker].Target)
	}
	status, ok, err := r.catalog.status(ctx, entries[settings.DimIssueStatus].Target)
	if err != nil || !ok {
		return out, false, r.missing(err, "issue status", entries[settings.DimIssueStatus].Target)
	}
	priority, ok, err := r.catalog.priority(ctx, entries[settings.DimIssuePriority].Target)
	if err != nil || !ok {
		return out, false, r.missing(err, "issue priority", entries[settings.DimIssuePriority].Target)
	}

	fields, err := r.customFields(ctx, identity, author)
	if err != nil {
		return out, false, err
	}

	description := r.issue.Description
	doneRatio := r.issue.DoneRatio
	out = remote.IssuePayload{
		ProjectID:      project.ID,
		TrackerID:      tracker.ID,
		StatusID:       status.ID,
		PriorityID:     priority.ID,
		AssignedToID:   &assignee,
		Subject:        r.issue.Subject,
		Description:    &description,
		StartDate:      formatDate(r.issue.StartDate),
		DueDate:        formatDate(r.issue.DueDate),
		DoneRatio:      &doneRatio,
		EstimatedHours: r.issue.EstimatedHours,
		CustomFields:   fields,
	}
	if r.issue.ParentID != nil {
		parent, err := r.store.FindIssue(ctx, *r.issue.ParentID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return out, false, err
		}
		if parent != nil && parent.Linked() {
			out.ParentIssueID = parent.SynchronyID
		}
	}
	return out, true, nil
}

// missing turns a failed catalog lookup into a skip, or passes the error on.
func (r *pushRun) missing(err error, what, name string) error {
	if err != nil {
		return err
	}
	return r.skip(fmt.Sprintf("%s %q not found on target site", what, name))
}

func (r *pushRun) customFields(ctx context.Context, identity uint, author int) ([]remote.CustomFieldValue, error) {
	out := []remote.CustomFieldValue{
		{ID: r.site.RemoteCFForAuthor, Value: []string{strconv.Itoa(author)}},
		{ID: r.site.RemoteTaskURL, Value: []string{r.site.LocalIssueURL(r.issue.ID)}},
		{ID: r.site.RemoteSynchronizableSwitch, Value: []string{"1"}},
	}

	defs, err := r.catalog.fieldDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	localFields, err := r.store.CustomFields(ctx, models.CustomFieldTypeIssue)
	if err != nil {
		return nil, err
	}
	grouped := models.FieldValues(r.values)
	var sources []SourceValue
	for _, cf := range localFields {
		vals, ok := grouped[cf.ID]
		if !ok {
			continue
		}
		sources = append(sources, SourceValue{FieldID: int(cf.ID), Name: cf.Name, Values: vals})
	}

	mapper := &FieldMapper{
		Direction:  Push,
		Mappings:   r.mappings,
		Targets:    defs,
		Principals: r.principals,
		Bookkeeping: Bookkeeping{
			Source: bookkeepingLocal(r.site, identity),
			Target: bookkeepingRemote(r.site),
		},
		Logger: r.log,
	}
	for _, tv := range mapper.TranslateCustomFields(sources) {
		out = append(out, remote.CustomFieldValue{ID: tv.FieldID, Multiple: tv.Multiple, Value: tv.Values})
	}
	return out, nil
}

var pushIncludes = []string{"journals", "attachments", "relations", "watchers"}

// upsert updates the linked remote issue, or creates one when there is no
// link or the linked issue is gone.
func (r *pushRun) upsert(ctx context.Context, payload remote.IssuePayload) error {
	action := ActionCreated
	if r.issue.Linked() {
		ri, err := r.client.GetIssue(ctx, *r.issue.SynchronyID, pushIncludes...)
		switch {
		case err == nil:
			action = ActionUpdated
			r.remoteID, r.remoteIssue = ri.ID, ri
			for _, j := range ri.Journals {
				r.known[j.ID] = true
			}
		case errors.Is(err, remote.ErrNotFound):
			r.log.Info("remote issue not found, creating a new one", "remote_id", *r.issue.SynchronyID)
			action = ActionRecreated
		default:
			return err
		}
	}

	err := r.write(ctx, payload)
	if IsRejected(err) {
		r.log.Info("issue rejected, retrying with default assignee", "error", err)
		if def, ok := r.defaultRemote(); ok && (payload.AssignedToID == nil || *payload.AssignedToID != def) {
			payload.AssignedToID = &def
			err = r.write(ctx, payload)
		}
	}
	if IsRejected(err) {
		r.log.Warn("issue export failed", "error", err)
		r.result.Action = ActionRejected
		r.result.Reason = err.Error()
		return r.markLastSync(ctx, "0")
	}
	if err != nil {
		return err
	}
	r.result.Action = action
	r.result.RemoteID = r.remoteID

	if r.remoteIssue == nil {
		if r.remoteIssue, err = r.client.GetIssue(ctx, r.remoteID, pushIncludes...); err != nil {
			return err
		}
	}
	return r.afterUpsert(ctx)
}

func (r *pushRun) defaultRemote() (int, bool) {
	fallback := r.mappings.Defaults.Assignee
	if r.project.DefaultAssignedToID != nil {
		fallback = *r.project.DefaultAssignedToID
	}
	return r.principals.ToRemote(fallback)
}

func (r *pushRun) write(ctx context.Context, payload remote.IssuePayload) error {
	if r.remoteIssue != nil {
		return r.client.UpdateIssue(ctx, r.remoteID, payload)
	}
	created, err := r.client.CreateIssue(ctx, payload)
	if err != nil {
		return err
	}
	r.remoteID = created.ID
	r.log.Info("remote issue created", "remote_id", created.ID)
	return r.store.UpdateSyncLink(ctx, r.issue.ID, &created.ID, nil)
}

// afterUpsert transfers notes, attachments, relations and watchers, then
// records the remote updated_on as converged.
func (r *pushRun) afterUpsert(ctx context.Context) error {
	if err := r.pushNotes(ctx); err != nil {
		return err
	}
	if err := r.pushAttachments(ctx); err != nil {
		return err
	}
	if err := r.reconcileRelations(ctx); err != nil {
		return err
	}
	if err := r.reconcileWatchers(ctx); err != nil {
		return err
	}

	fresh, err := r.client.GetIssue(ctx, r.remoteID, "journals")
	if err != nil {
		return err
	}
	if err := r.linkChangeJournal(ctx, fresh); err != nil {
		return err
	}
	updatedOn := fresh.UpdatedOn
	if err := r.store.UpdateSyncLink(ctx, r.issue.ID, &r.remoteID, &updatedOn); err != nil {
		return err
	}
	r.log.Info("push finished", "remote_id", r.remoteID, "action", r.result.Action)
	return r.markLastSync(ctx, "1")
}

func (r *pushRun) markLastSync(ctx context.Context, value string) error {
	if r.site.LocalLastSyncSuccessful == 0 {
		return nil
	}
	return r.store.SetIssueCustomValue(ctx, r.issue.ID, r.site.LocalLastSyncSuccessful, value)
}
