// Package feed delivers row change notifications for the requests table to
// long-running workers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"procure/internal/config"
	"procure/internal/storage"
)

const (
	DriverPoll     = "poll"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	TableRequests        = "requests"
	TableSourcingOptions = "sourcing_options"
)

var ErrUnsupportedTable = errors.New("unsupported feed table")

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

type Change struct {
	Table  string    `json:"table"`
	Event  EventType `json:"event"`
	ID     string    `json:"id"`
	Status string    `json:"status,omitempty"`
}

type Handler func(Change)

type Subscription interface {
	Cancel()
}

// Feed is a source of changes. Run blocks until ctx is done and must be
// running for subscribers to receive anything.
type Feed interface {
	Subscribe(ctx context.Context, table string, events []EventType, h Handler) (Subscription, error)
	Run(ctx context.Context) error
}

// Publisher is used by writers on feeds that are not driven by the database.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Change) error { return nil }

// Nop is the publisher for feeds that observe the database directly.
var Nop Publisher = nopPublisher{}

// New builds the feed selected by FEED_DRIVER together with the publisher
// writers should use alongside it.
func New(cfg config.Config, db *storage.DB, log *zap.Logger) (Feed, Publisher, error) {
	switch cfg.FeedDriver {
	case "", DriverPoll:
		return NewPollFeed(db, cfg.FeedPollIntervalMs, log), Nop, nil
	case DriverPostgres:
		if err := cfg.Require("DATABASE_URL", cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		return NewPostgresFeed(cfg.DatabaseURL, log), Nop, nil
	case DriverRedis:
		f, err := NewRedisFeed(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unsupported FEED_DRIVER: %s", cfg.FeedDriver)
	}
}

type subscription struct {
	id      int
	table   string
	events  map[EventType]bool
	handler Handler
	d       *dispatcher
	once    sync.Once

	mu   sync.Mutex
	stop func() bool
}

func (s *subscription) Cancel() {
	s.once.Do(func() { s.d.remove(s.id) })

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *subscription) matches(c Change) bool {
	return s.table == c.Table && s.events[c.Event]
}

// dispatcher fans changes out to subscriptions. Handlers run on the
// dispatching goroutine, outside the lock.
type dispatcher struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]*subscription
	tables map[string]bool
}

func newDispatcher(tables ...string) *dispatcher {
	d := &dispatcher{subs: make(map[int]*subscription), tables: make(map[string]bool)}
	for _, t := range tables {
		d.tables[t] = true
	}
	return d
}

func (d *dispatcher) subscribe(ctx context.Context, table string, events []EventType, h Handler) (Subscription, error) {
	if !d.tables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTable, table)
	}
	if h == nil {
		return nil, errors.New("nil change handler")
	}
	if len(events) == 0 {
		events = []EventType{Insert, Update, Delete}
	}

	sub := &subscription{table: table, events: make(map[EventType]bool), handler: h, d: d}
	for _, e := range events {
		sub.events[e] = true
	}

	d.mu.Lock()
	d.next++
	sub.id = d.next
	d.subs[sub.id] = sub
	d.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Cancel)
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

func (d *dispatcher) remove(id int) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(c Change) int {
	d.mu.RLock()
	matched := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.matches(c) {
			matched = append(matched, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(c)
	}
	return len(matched)
}

func (d *dispatcher) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
