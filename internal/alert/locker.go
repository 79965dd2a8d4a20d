package alert

import (
	"fmt"
	"slices"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int // guarded by the map shard
}

// Locker serializes alert coalescing per (device, alert type) key. An entry lives
// only while some caller holds or waits for it, so the table stays as small as the
// set of keys in use.
type Locker struct {
	locks cmap.ConcurrentMap[string, *lockEntry]
}

// NewLocker creates an empty lock table.
func NewLocker() *Locker {
	return &Locker{locks: cmap.New[*lockEntry]()}
}

// Key returns the lock key for a device and alert kind.
func Key(deviceID uint, kind Kind) string {
	return fmt.Sprintf("%d|%s", deviceID, kind)
}

// Lock acquires every key in sorted order and returns the matching unlock.
func (l *Locker) Lock(keys ...string) func() {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*lockEntry, 0, len(keys))
	for _, k := range keys {
		e := l.locks.Upsert(k, nil, func(exists bool, current, _ *lockEntry) *lockEntry {
			if !exists {
				current = &lockEntry{}
			}
			current.refs++
			return current
		})
		e.mu.Lock()
		held = append(held, e)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.locks.RemoveCb(keys[i], func(_ string, e *lockEntry, exists bool) bool {
				if !exists {
					return false
				}
				e.refs--
				return e.refs == 0
			})
		}
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	return l.locks.Count()
}
