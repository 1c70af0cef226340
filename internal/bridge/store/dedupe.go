package store

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupeCapacity is the minimum retained event_id count required by I7;
// we keep comfortably above the floor so a slow provisioning tick can't
// evict an event before every consumer has had a chance to see it.
const dedupeCapacity = 20000

// Dedupe is a process-wide, shared "have we seen this event_id before"
// guard. It is intentionally in-memory only: a restart re-replays the
// last `next_batch` position and the boot-replay guard (server_timestamp
// < bridge start time) covers the gap, so durability here would be
// wasted effort.
type Dedupe struct {
	cache *lru.Cache[string, time.Time]
}

// NewDedupe constructs the shared dedupe store. Safe for concurrent use
// from multiple goroutines (message dispatcher, media handler, ...).
func NewDedupe() *Dedupe {
	cache, err := lru.New[string, time.Time](dedupeCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens with a compile-time constant.
		panic(err)
	}
	return &Dedupe{cache: cache}
}

// SeenOrMark reports whether eventID has already been processed. If this
// is the first time it's seen, it records it and returns false.
// ContainsOrAdd performs the check-and-insert atomically, closing the
// race a separate Get then Add would leave between concurrent callers.
func (d *Dedupe) SeenOrMark(eventID string) bool {
	alreadySeen, _ := d.cache.ContainsOrAdd(eventID, time.Now())
	return alreadySeen
}

// Len returns the number of event_ids currently tracked, mostly useful
// for metrics/tests.
func (d *Dedupe) Len() int {
	return d.cache.Len()
}
