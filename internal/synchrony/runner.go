package synchrony

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/settings"
	"synchrony/internal/telemetry"
)

// Runner drives pulls and pushes over every configured site pairing and
// records each run.
type Runner struct {
	Store      *db.Store
	Sites      []*settings.Site
	Logger     *slog.Logger
	Metrics    *telemetry.SyncMetrics
	HTTPClient *http.Client
	// Parallelism > 1 pulls that many site pairings at once.
	Parallelism int
	// SyncedBy and Machine are stored on every recorded run.
	SyncedBy string
	Machine  string
	Now      func() time.Time
}

func (r *Runner) options() Options {
	return Options{
		Logger:     r.Logger,
		HTTPClient: r.HTTPClient,
		Metrics:    r.Metrics,
		Now:        r.Now,
	}.withDefaults()
}

// PullAll pulls every site pairing. A failing pairing does not stop the
// others; all failures are joined.
func (r *Runner) PullAll(ctx context.Context) ([]*PullResult, error) {
	results := make([]*PullResult, len(r.Sites))
	errs := make([]error, len(r.Sites))

	g, ctx := errgroup.WithContext(ctx)
	limit := r.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, site := range r.Sites {
		g.Go(func() error {
			results[i], errs[i] = r.Pull(ctx, site)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Pull pulls one site pairing and records the run.
func (r *Runner) Pull(ctx context.Context, site *settings.Site) (*PullResult, error) {
	opts := r.options()
	run := r.startRun(ctx, opts, site.Name, models.SyncDirectionPull)

	result, err := NewPuller(r.Store, site, opts).Pull(ctx)
	if result != nil {
		total := result.Total()
		run.Created, run.Updated, run.UpToDate = total.Created, total.Updated, total.UpToDate
		run.Skipped, run.Conflicts, run.Failed = total.Skipped, total.Conflicts, total.Failed
	}
	r.finishRun(ctx, opts, run, err)
	return result, err
}

// Pushers returns one pusher per site pairing.
func (r *Runner) Pushers() []*Pusher {
	opts := r.options()
	pushers := make([]*Pusher, 0, len(r.Sites))
	for _, site := range r.Sites {
		pushers = append(pushers, NewPusher(r.Store, site, opts))
	}
	return pushers
}

// PushIssue pushes one issue to every site pairing and records a run per
// site.
func (r *Runner) PushIssue(ctx context.Context, issueID uint) ([]*PushResult, error) {
	opts := r.options()
	var results []*PushResult
	var errs []error
	for _, p := range r.Pushers() {
		run := r.startRun(ctx, opts, p.Site(), models.SyncDirectionPush)
		res, err := p.Push(ctx, issueID, models.IssueEvent{IssueID: issueID})
		if res != nil {
			results = append(results, res)
			switch res.Action {
			case ActionCreated, ActionRecreated:
				run.Created++
			case ActionUpdated, ActionTurnedOff:
				run.Updated++
			case ActionRejected:
				run.Failed++
			default:
				run.Skipped++
			}
		}
		r.finishRun(ctx, opts, run, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runner) startRun(ctx context.Context, opts Options, site, direction string) *models.SyncRun {
	run := &models.SyncRun{
		Site:      site,
		Direction: direction,
		StartedAt: opts.Now(),
		SyncedBy:  r.SyncedBy,
		Machine:   r.Machine,
	}
	if err := r.Store.RecordRun(ctx, run); err != nil {
		opts.Logger.Warn("failed to record run", "site", site, "error", err)
	}
	return run
}

func (r *Runner) finishRun(ctx context.Context, opts Options, run *models.SyncRun, err error) {
	finished := opts.Now()
	run.FinishedAt = &finished
	if err != nil {
		run.Error = runError(err)
	}
	// The run context may already be cancelled; the record must still land.
	if err := r.Store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		opts.Logger.Warn("failed to record run", "site", run.Site, "error", err)
	}
}

// runError is the text stored for a failed run. SyncError hides its cause
// from the user, but the run history keeps it.
func runError(err error) string {
	var se *SyncError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
