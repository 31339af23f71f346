package chainhead

import (
	"container/list"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// pinEntry is the bookkeeping record for one pinned hash. live is the
// number of outstanding BlockGuards; removing is set once an unpin or a
// prune has asked for removal but had to wait for the last guard to drop.
type pinEntry struct {
	hash      common.Hash
	insertedAt time.Time
	live      int
	removing  bool
	elem      *list.Element // this entry's node in order, for O(1) unlink
}

// BlockRegistry is the per-subscription set of pinned block hashes
// described in spec.md §3/§4.1. It is keyed by hash for O(1) lookup but
// keeps a parallel doubly linked list in insertion order so age-based
// eviction can walk from oldest to newest without a sort.
//
// Age is a soft target: it is evaluated only inside Pin, never by a
// background timer; the follow driver does no separate age check.
// This is the open question from spec.md §9, resolved by adopting the
// observed (soft-limit) behavior rather than adding a timed sweep.
type BlockRegistry struct {
	mu       sync.Mutex
	byHash   map[common.Hash]*pinEntry
	order    *list.List // oldest at Front, newest at Back
	maxCount int
	maxAge   time.Duration

	subID string // for log context only
}

// NewBlockRegistry creates a registry enforcing the given per-subscription
// limits.
func NewBlockRegistry(subID string, maxCount int, maxAge time.Duration) *BlockRegistry {
	return &BlockRegistry{
		byHash:   make(map[common.Hash]*pinEntry),
		order:    list.New(),
		maxCount: maxCount,
		maxAge:   maxAge,
		subID:    subID,
	}
}

// Pin reserves hash, failing if it is already pinned or if doing so would
// violate the registry's limits.
func (r *BlockRegistry) Pin(hash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHash[hash]; ok {
		return ErrDuplicateHash
	}

	if len(r.byHash) >= r.maxCount {
		// At capacity: the only way to make room is an oldest entry that
		// has genuinely overstayed max_age and carries no live guard.
		// A pure count overflow where every entry is still within max_age
		// is a hard limit — eviction here must never silently make an
		// announced, in-age block vanish (spec.md §1, §4.1, §8 scenario 5).
		if !r.tryEvictAgedOldestLocked() {
			return ErrLimitExceeded
		}
	}

	// Independent of capacity: an oldest entry that has already overstayed
	// max_age and is still guarded makes the limit hard right now, even
	// with room to spare on count; one that's aged out and unguarded is
	// opportunistically reclaimed rather than left to linger.
	if oldest := r.oldestLocked(); oldest != nil && time.Since(oldest.insertedAt) > r.maxAge {
		if oldest.live > 0 {
			return ErrLimitExceeded
		}
		r.removeLocked(oldest)
	}

	entry := &pinEntry{hash: hash, insertedAt: time.Now()}
	entry.elem = r.order.PushBack(entry)
	r.byHash[hash] = entry
	log.Debug("chainhead: block pinned", "sub", r.subID, "hash", hash, "count", len(r.byHash))
	return nil
}

// tryEvictAgedOldestLocked attempts to drop the oldest entry to make room
// for a new pin. It only succeeds if that entry is both past max_age and
// free of live guards; an oldest entry that is still within max_age, or
// still guarded, means the cap is genuinely full right now.
func (r *BlockRegistry) tryEvictAgedOldestLocked() bool {
	oldest := r.oldestLocked()
	if oldest == nil || oldest.live > 0 || time.Since(oldest.insertedAt) <= r.maxAge {
		return false
	}
	r.removeLocked(oldest)
	return true
}

func (r *BlockRegistry) oldestLocked() *pinEntry {
	front := r.order.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*pinEntry)
}

func (r *BlockRegistry) removeLocked(e *pinEntry) {
	r.order.Remove(e.elem)
	delete(r.byHash, e.hash)
}

// Lock increments the live-guard count for hash and reports whether it is
// currently pinned. Callers that get true are responsible for eventually
// calling Release exactly once.
func (r *BlockRegistry) Lock(hash common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byHash[hash]
	if !ok {
		return false
	}
	entry.live++
	return true
}

// Unpin removes hash if present. If guards are still live, the entry is
// marked for removal and physically dropped once the last guard releases.
func (r *BlockRegistry) Unpin(hash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byHash[hash]
	if !ok {
		return ErrAbsent
	}
	if entry.live == 0 {
		r.removeLocked(entry)
		log.Debug("chainhead: block unpinned", "sub", r.subID, "hash", hash)
		return nil
	}
	entry.removing = true
	return nil
}

// MarkPruned behaves like Unpin but never errors when the hash is already
// gone (the driver calls this opportunistically on a Pruned chain event;
// the hash may already have been explicitly unpinned by a client).
func (r *BlockRegistry) MarkPruned(hash common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byHash[hash]
	if !ok {
		return
	}
	if entry.live == 0 {
		r.removeLocked(entry)
		return
	}
	entry.removing = true
}

// Release decrements the live-guard count for hash and physically removes
// the entry if it was marked for removal and this was the last guard. It
// is safe (a no-op) to call Release against a hash that no longer exists
// at all — spec.md §9 requires guard release to be safe even against a
// detached registry.
func (r *BlockRegistry) Release(hash common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byHash[hash]
	if !ok {
		return
	}
	if entry.live > 0 {
		entry.live--
	}
	if entry.live == 0 && entry.removing {
		r.removeLocked(entry)
	}
}

// Len reports the number of currently pinned hashes.
func (r *BlockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHash)
}

// Hashes returns a snapshot of pinned hashes in insertion order. It exists
// for tests and diagnostics, not the hot path.
func (r *BlockRegistry) Hashes() []common.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]common.Hash, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*pinEntry).hash)
	}
	return out
}
