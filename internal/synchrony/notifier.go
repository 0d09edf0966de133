package synchrony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"synchrony/internal/db"
	"synchrony/internal/models"
)

// PushListener returns a store listener that pushes every eligible save to
// each site before returning.
func PushListener(logger *slog.Logger, pushers ...*Pusher) db.IssueListener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	guard := NewLoopGuard("")
	return func(ctx context.Context, event models.IssueEvent) {
		if guard.Suppressed(event) {
			return
		}
		for _, p := range pushers {
			res, err := p.Push(ctx, event.IssueID, event)
			if err != nil {
				logger.Warn("push failed", "site", p.Site(), "issue_id", event.IssueID, "error", err)
				continue
			}
			logger.Debug("push done", "site", p.Site(), "issue_id", event.IssueID, "action", res.Action)
		}
	}
}

// Default PushQueue settings
const (
	DefaultMaxAttempts   = 5
	DefaultDrainInterval = 30 * time.Second
)

type queuedPush struct {
	event    models.IssueEvent
	attempts int
	// sites still owed a delivery; nil means every site.
	sites map[string]bool
}

// PushQueue delivers saves asynchronously. Pending saves of the same issue
// collapse into one delivery, and deliveries that hit an unavailable remote
// are retried up to MaxAttempts.
type PushQueue struct {
	MaxAttempts int
	Interval    time.Duration

	pushers []*Pusher
	logger  *slog.Logger
	guard   LoopGuard

	mu      sync.Mutex
	pending map[uint]*queuedPush
	order   []uint
	wake    chan struct{}
}

// NewPushQueue returns an empty queue delivering to pushers.
func NewPushQueue(logger *slog.Logger, pushers ...*Pusher) *PushQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PushQueue{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultDrainInterval,
		pushers:     pushers,
		logger:      logger,
		guard:       NewLoopGuard(""),
		pending:     make(map[uint]*queuedPush),
		wake:        make(chan struct{}, 1),
	}
}

// Listener returns a store listener that enqueues eligible saves.
func (q *PushQueue) Listener() db.IssueListener {
	return func(_ context.Context, event models.IssueEvent) {
		q.Enqueue(event)
	}
}

// Enqueue adds a save unless it was made by synchronization.
func (q *PushQueue) Enqueue(event models.IssueEvent) {
	if q.guard.Suppressed(event) {
		return
	}
	q.mu.Lock()
	if item, ok := q.pending[event.IssueID]; ok {
		item.event.Created = item.event.Created || event.Created
		item.sites = nil
	} else {
		q.pending[event.IssueID] = &queuedPush{event: event}
		q.order = append(q.order, event.IssueID)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending issues.
func (q *PushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *PushQueue) take() []*queuedPush {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]*queuedPush, 0, len(q.order))
	for _, id := range q.order {
		items = append(items, q.pending[id])
	}
	q.pending = make(map[uint]*queuedPush)
	q.order = nil
	return items
}

func (q *PushQueue) requeue(item *queuedPush) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if newer, ok := q.pending[item.event.IssueID]; ok {
		// A newer save already owes every site a delivery.
		newer.event.Created = newer.event.Created || item.event.Created
		return
	}
	q.pending[item.event.IssueID] = item
	q.order = append(q.order, item.event.IssueID)
}

// Drain delivers everything pending at the time of the call once and
// returns the number of successful deliveries.
func (q *PushQueue) Drain(ctx context.Context) int {
	delivered := 0
	for _, item := range q.take() {
		if ctx.Err() != nil {
			q.requeue(item)
			continue
		}
		var retry map[string]bool
		for _, p := range q.pushers {
			if item.sites != nil && !item.sites[p.Site()] {
				continue
			}
			_, err := p.Push(ctx, item.event.IssueID, item.event)
			switch {
			case err == nil:
				delivered++
			case isUnavailable(err):
				if retry == nil {
					retry = make(map[string]bool)
				}
				retry[p.Site()] = true
			default:
				q.logger.Warn("push failed", "site", p.Site(), "issue_id", item.event.IssueID, "error", err)
			}
		}
		if retry == nil {
			continue
		}
		item.attempts++
		if item.attempts >= q.MaxAttempts {
			q.logger.Error("push abandoned after retries", "issue_id", item.event.IssueID, "attempts", item.attempts)
			continue
		}
		item.sites = retry
		q.requeue(item)
	}
	return delivered
}

// Run drains the queue whenever a save arrives and on every interval until
// ctx is done.
func (q *PushQueue) Run(ctx context.Context) error {
	interval := q.Interval
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
		q.Drain(ctx)
	}
}

// EnqueueUpdatedSince enqueues every issue saved after since and returns the
// newest save time seen, or since when nothing changed.
func (q *PushQueue) EnqueueUpdatedSince(ctx context.Context, store *db.Store, since time.Time) (time.Time, error) {
	issues, err := store.IssuesUpdatedSince(ctx, since)
	if err != nil {
		return since, err
	}
	for _, issue := range issues {
		q.Enqueue(models.IssueEvent{IssueID: issue.ID})
		if issue.UpdatedOn.After(since) {
			since = issue.UpdatedOn
		}
	}
	return since, nil
}

// Watch picks up saves made by other writers of the local database by
// polling store every poll interval, and delivers them until ctx is done.
func (q *PushQueue) Watch(ctx context.Context, store *db.Store, since time.Time, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultDrainInterval
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			next, err := q.EnqueueUpdatedSince(ctx, store, since)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				q.logger.Warn("watch poll failed", "error", err)
				continue
			}
			since = next
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
