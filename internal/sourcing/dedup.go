package sourcing

import (
	"sync"
	"time"
)

// Dedup remembers recently attempted request ids for a time window, holding
// at most max entries. When full, the oldest entry is dropped.
type Dedup struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	entries map[string]time.Time
}

func NewDedup(window time.Duration, max int) *Dedup {
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 10000
	}
	return &Dedup{window: window, max: max, now: time.Now, entries: make(map[string]time.Time)}
}

// TryAcquire records id and reports true unless it was already recorded
// within the window.
func (d *Dedup) TryAcquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[id]; ok && now.Sub(at) < d.window {
		return false
	}
	if len(d.entries) >= d.max {
		d.evict(now)
	}
	d.entries[id] = now
	return true
}

func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}

func (d *Dedup) Reset() {
	d.mu.Lock()
	d.entries = make(map[string]time.Time)
	d.mu.Unlock()
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// evict drops expired entries, or the oldest one if none expired.
func (d *Dedup) evict(now time.Time) {
	var oldestID string
	var oldest time.Time
	for id, at := range d.entries {
		if now.Sub(at) >= d.window {
			delete(d.entries, id)
			continue
		}
		if oldestID == "" || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	if len(d.entries) >= d.max && oldestID != "" {
		delete(d.entries, oldestID)
	}
}
