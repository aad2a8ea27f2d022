package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"procure/internal"
)

// lookback re-reads a short window behind the cursor so rows committed late
// by another process with an older updated_at are still seen.
const lookback = 5 * time.Second

const defaultPageSize = 500

type RequestLister interface {
	ListRequestsUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]internal.Request, error)
}

// PollFeed emulates change notifications on databases without LISTEN/NOTIFY
// by polling updated_at. Deletes are not observed.
type PollFeed struct {
	store    RequestLister
	interval time.Duration
	pageSize int
	log      *zap.Logger
	d        *dispatcher

	mu     sync.Mutex
	cursor time.Time
	seen   map[string]time.Time
}

func NewPollFeed(store RequestLister, intervalMs int, log *zap.Logger) *PollFeed {
	if intervalMs <= 0 {
		intervalMs = 2000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PollFeed{
		store:    store,
		interval: time.Duration(intervalMs) * time.Millisecond,
		pageSize: defaultPageSize,
		log:      log,
		d:        newDispatcher(TableRequests),
		cursor:   time.Now().UTC(),
		seen:     make(map[string]time.Time),
	}
}

func (f *PollFeed) Subscribe(ctx context.Context, table string, events []EventType, h Handler) (Subscription, error) {
	return f.d.subscribe(ctx, table, events, h)
}

func (f *PollFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn("feed poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll reads rows changed since the last poll and dispatches them. It
// returns the number of changes dispatched.
func (f *PollFeed) Poll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dispatched := 0
	since, afterID := f.cursor.Add(-lookback), ""
	for {
		rows, err := f.store.ListRequestsUpdatedSince(ctx, since, afterID, f.pageSize)
		if err != nil {
			return dispatched, err
		}
		for _, r := range rows {
			if f.deliver(r) {
				dispatched++
			}
		}
		if len(rows) < f.pageSize {
			break
		}
		last := rows[len(rows)-1]
		since, afterID = last.UpdatedAt, last.ID
	}

	horizon := f.cursor.Add(-lookback)
	for id, at := range f.seen {
		if at.Before(horizon) {
			delete(f.seen, id)
		}
	}
	return dispatched, nil
}

// deliver dispatches r unless this version of the row was already seen.
func (f *PollFeed) deliver(r internal.Request) bool {
	if last, ok := f.seen[r.ID]; ok && !r.UpdatedAt.After(last) {
		return false
	}
	f.seen[r.ID] = r.UpdatedAt
	if r.UpdatedAt.After(f.cursor) {
		f.cursor = r.UpdatedAt
	}

	event := Update
	if r.CreatedAt.Equal(r.UpdatedAt) {
		event = Insert
	}
	f.d.dispatch(Change{Table: TableRequests, Event: event, ID: r.ID, Status: string(r.Status)})
	return true
}
