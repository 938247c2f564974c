package engine

import (
	"strconv"
	"sync"
	"time"

	"safetrail/internal/model"
)

// DedupeCache drops location samples that arrive more than once, e.g. the
// same fix delivered by both the REST and Kafka listeners. Expired keys are
// evicted in arrival order on each call.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
	order   []dedupeEntry
	head    int
}

type dedupeEntry struct {
	key     string
	expires time.Time
}

func NewDedupeCache(ttl time.Duration) *DedupeCache {
	return &DedupeCache{ttl: ttl, expires: make(map[string]time.Time)}
}

// Seen reports whether key was recorded within the last ttl and records it
// otherwise.
func (d *DedupeCache) Seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evict(now)
	if exp, ok := d.expires[key]; ok && now.Before(exp) {
		return true
	}
	exp := now.Add(d.ttl)
	d.expires[key] = exp
	d.order = append(d.order, dedupeEntry{key: key, expires: exp})
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}

func (d *DedupeCache) Reset() {
	d.mu.Lock()
	clear(d.expires)
	d.order = nil
	d.head = 0
	d.mu.Unlock()
}

func (d *DedupeCache) evict(now time.Time) {
	for d.head < len(d.order) {
		e := d.order[d.head]
		if now.Before(e.expires) {
			break
		}
		// A later sighting may have extended the key.
		if d.expires[e.key].Equal(e.expires) {
			delete(d.expires, e.key)
		}
		d.head++
	}
	if d.head > 0 && d.head*2 >= len(d.order) {
		d.order = append(d.order[:0], d.order[d.head:]...)
		d.head = 0
	}
}

// LocationKey identifies a sample by its fix time and coordinates.
func LocationKey(loc model.Location) string {
	return strconv.FormatInt(loc.Timestamp.UnixMilli(), 10) + "|" +
		strconv.FormatFloat(loc.Latitude, 'f', 6, 64) + "|" +
		strconv.FormatFloat(loc.Longitude, 'f', 6, 64)
}
