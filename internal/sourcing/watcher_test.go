package sourcing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"procure/internal"
	"procure/internal/feed"
)

func TestDedupWindowAndCapacity(t *testing.T) {
	d := NewDedup(time.Minute, 2)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.True(t, d.TryAcquire("a"))
	assert.False(t, d.TryAcquire("a"))

	now = now.Add(time.Second)
	assert.True(t, d.TryAcquire("b"))
	now = now.Add(time.Second)
	assert.True(t, d.TryAcquire("c"))
	assert.Equal(t, 2, d.Len())
	assert.True(t, d.TryAcquire("a"), "oldest entry is evicted when full")

	d.Forget("c")
	assert.True(t, d.TryAcquire("c"))

	now = now.Add(2 * time.Minute)
	assert.True(t, d.TryAcquire("b"), "entries expire after the window")

	d.Reset()
	assert.Zero(t, d.Len())
}

type fakeSubscription func()

func (f fakeSubscription) Cancel() { f() }

type fakeFeed struct {
	mu       sync.Mutex
	handlers []feed.Handler
}

func (f *fakeFeed) Subscribe(_ context.Context, table string, _ []feed.EventType, h feed.Handler) (feed.Subscription, error) {
	if table != feed.TableRequests {
		return nil, feed.ErrUnsupportedTable
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return fakeSubscription(func() {}), nil
}

func (f *fakeFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeFeed) emit(c feed.Change) {
	f.mu.Lock()
	handlers := append([]feed.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(c)
	}
}

func (f *fakeFeed) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers) > 0
}

func startWatcher(t *testing.T, svc *Service, f feed.Feed) (*Watcher, func()) {
	t.Helper()
	w := NewWatcher(svc, f, nil, testConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return w, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func statusOf(t *testing.T, svc *Service, id string) internal.RequestStatus {
	r, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func TestWatcherSweepsAndFollowsInserts(t *testing.T) {
	searcher := &stubSearcher{offers: map[string][]internal.Offer{
		"Toner": {offer("Toner HP", "Shop", "45,00", 1)},
		"Penne": {offer("Penne blu", "Shop", "3,20", 1)},
	}}
	svc, _ := newTestService(t, searcher)
	early := submit(t, svc, "Toner")

	f := &fakeFeed{}
	_, stop := startWatcher(t, svc, f)
	defer stop()

	require.Eventually(t, func() bool { return statusOf(t, svc, early.ID) == internal.StatusActionRequired }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, f.subscribed, time.Second, 5*time.Millisecond)

	late := submit(t, svc, "Penne")
	f.emit(feed.Change{Table: feed.TableRequests, Event: feed.Insert, ID: late.ID, Status: "pending"})
	f.emit(feed.Change{Table: feed.TableRequests, Event: feed.Insert, ID: late.ID, Status: "pending"})

	require.Eventually(t, func() bool { return statusOf(t, svc, late.ID) == internal.StatusActionRequired }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, searcher.calls.Load(), "duplicate notifications search once")
}

func TestWatcherRetriesAfterFailure(t *testing.T) {
	searcher := &stubSearcher{
		offers: map[string][]internal.Offer{"Toner": {offer("Toner HP", "Shop", "45,00", 1)}},
		err:    errors.New("serper unavailable"),
	}
	svc, _ := newTestService(t, searcher)
	r := submit(t, svc, "Toner")

	f := &fakeFeed{}
	w, stop := startWatcher(t, svc, f)
	defer stop()

	require.Eventually(t, func() bool { return searcher.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.dedup.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, internal.StatusPending, statusOf(t, svc, r.ID))

	searcher.mu.Lock()
	searcher.err = nil
	searcher.mu.Unlock()
	f.emit(feed.Change{Table: feed.TableRequests, Event: feed.Update, ID: r.ID, Status: "pending"})

	require.Eventually(t, func() bool { return statusOf(t, svc, r.ID) == internal.StatusActionRequired }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresDecidedChanges(t *testing.T) {
	searcher := &stubSearcher{}
	svc, _ := newTestService(t, searcher)

	f := &fakeFeed{}
	w, stop := startWatcher(t, svc, f)
	defer stop()
	require.Eventually(t, f.subscribed, time.Second, 5*time.Millisecond)

	f.emit(feed.Change{Table: feed.TableRequests, Event: feed.Update, ID: "r1", Status: "approved"})
	f.emit(feed.Change{Table: feed.TableRequests, Event: feed.Insert, ID: "r2", Status: "rejected"})
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, w.queue.len())
	assert.Zero(t, searcher.calls.Load())
}

func TestQueueCoalescesDuplicates(t *testing.T) {
	q := newQueue()
	q.push("a")
	q.push("b")
	q.push("a")
	assert.Equal(t, 2, q.len())

	id, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", id)
	q.push("a")
	assert.Equal(t, 2, q.len())
}
