package sourcing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"procure/internal"
	"procure/internal/config"
	"procure/internal/feed"
)

// Watcher sources pending requests as they appear. The feed it subscribes to
// must be run separately.
type Watcher struct {
	svc    *Service
	feed   feed.Feed
	dedup  *Dedup
	settle time.Duration
	delay  time.Duration
	log    *zap.Logger

	queue *queue
}

func NewWatcher(svc *Service, f feed.Feed, dedup *Dedup, cfg config.Config, log *zap.Logger) *Watcher {
	if dedup == nil {
		dedup = NewDedup(time.Duration(cfg.SourcingDedupWindowSec)*time.Second, cfg.SourcingDedupMax)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		svc:    svc,
		feed:   f,
		dedup:  dedup,
		settle: time.Duration(cfg.SourcingSettleMs) * time.Millisecond,
		delay:  time.Duration(cfg.SourcingDelayMs) * time.Millisecond,
		log:    log,
		queue:  newQueue(),
	}
}

// Run subscribes to request changes, sweeps existing pending requests and
// then processes queued ids one at a time until ctx is done. An item being
// processed when ctx ends runs to completion.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.feed.Subscribe(ctx, feed.TableRequests, []feed.EventType{feed.Insert, feed.Update}, func(c feed.Change) {
		w.onChange(ctx, c)
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	pending, err := w.svc.Pending(ctx)
	if err != nil {
		return err
	}
	for _, r := range pending {
		w.queue.push(r.ID)
	}
	w.log.Info("sourcing watcher started", zap.Int("pending", len(pending)))

	for {
		id, ok := w.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.queue.ready:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		if !w.process(ctx, id) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.delay):
		}
	}
}

func (w *Watcher) onChange(ctx context.Context, c feed.Change) {
	switch c.Event {
	case feed.Insert:
		if c.Status != "" && c.Status != string(internal.StatusPending) {
			return
		}
		// Let the inserting process finish its own writes first.
		time.AfterFunc(w.settle, func() {
			if ctx.Err() == nil {
				w.queue.push(c.ID)
			}
		})
	case feed.Update:
		if c.Status != "" && c.Status != string(internal.StatusPending) {
			return
		}
		w.dedup.Forget(c.ID)
		w.queue.push(c.ID)
	}
}

// process reports whether a search was attempted.
func (w *Watcher) process(ctx context.Context, id string) bool {
	if !w.dedup.TryAcquire(id) {
		return false
	}

	outcome, err := w.svc.Source(context.WithoutCancel(ctx), id)
	switch {
	case err != nil:
		w.dedup.Forget(id)
		w.log.Warn("sourcing failed", zap.String("request_id", id), zap.String("outcome", string(outcome)), zap.Error(err))
	case outcome == OutcomeSkipped:
		return false
	default:
		w.log.Debug("sourcing done", zap.String("request_id", id), zap.String("outcome", string(outcome)))
	}
	return true
}

// queue is an unbounded FIFO that ignores ids already waiting in it.
type queue struct {
	mu     sync.Mutex
	items  []string
	queued map[string]bool
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{queued: make(map[string]bool), ready: make(chan struct{}, 1)}
}

func (q *queue) push(id string) {
	q.mu.Lock()
	if q.queued[id] {
		q.mu.Unlock()
		return
	}
	q.queued[id] = true
	q.items = append(q.items, id)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.queued, id)
	return id, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
