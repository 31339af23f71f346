package chainhead

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// SubscriptionId is the opaque id the transport assigns a follow
// subscription at acceptance time (spec.md §3). The core never generates
// these itself; it only detects collisions.
type SubscriptionId string

// Subscription is the process-wide record for one follow stream: its
// immutable runtime_updates flag, its Block Registry, and the one-shot
// stop signal the driver watches.
type Subscription struct {
	ID             SubscriptionId
	RuntimeUpdates bool
	Registry       *BlockRegistry
	CreatedAt      time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Stop fires the subscription's stop signal. Safe to call more than once
// or concurrently; only the first call closes the channel.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// StopSignal is the consumer end of the stop latch. The Follow Stream
// Driver selects on this alongside backend events.
func (s *Subscription) StopSignal() <-chan struct{} {
	return s.stopCh
}

// SubscriptionTable is the process-wide SubscriptionId -> Subscription
// map described in spec.md §4.2. A single RWMutex is sufficient: mutation
// (insert/remove) is exclusive, while lock_block/unpin_block only need a
// stable read of the map itself (the Subscription's own Registry does its
// own locking for the mutation that matters).
type SubscriptionTable struct {
	mu   sync.RWMutex
	subs map[SubscriptionId]*Subscription

	maxPinnedBlocks   int
	maxPinnedDuration time.Duration
}

// NewSubscriptionTable creates an empty table applying the given
// per-subscription registry limits to every subscription it creates.
func NewSubscriptionTable(maxPinnedBlocks int, maxPinnedDuration time.Duration) *SubscriptionTable {
	return &SubscriptionTable{
		subs:              make(map[SubscriptionId]*Subscription),
		maxPinnedBlocks:   maxPinnedBlocks,
		maxPinnedDuration: maxPinnedDuration,
	}
}

// Insert creates and registers a new Subscription for id. It returns
// (nil, false) if id already exists — a transport collision the caller
// must treat as a fatal setup error for the pending sink it's about to
// tear down (spec.md §4.2).
func (t *SubscriptionTable) Insert(id SubscriptionId, runtimeUpdates bool) (*Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subs[id]; exists {
		return nil, false
	}

	sub := &Subscription{
		ID:             id,
		RuntimeUpdates: runtimeUpdates,
		Registry:       NewBlockRegistry(string(id), t.maxPinnedBlocks, t.maxPinnedDuration),
		CreatedAt:      time.Now(),
		stopCh:         make(chan struct{}),
	}
	t.subs[id] = sub
	log.Debug("chainhead: subscription accepted", "id", id, "runtimeUpdates", runtimeUpdates)
	return sub, true
}

// Get returns the subscription for id, if any, without affecting its
// registry.
func (t *SubscriptionTable) Get(id SubscriptionId) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.subs[id]
	return sub, ok
}

// LockBlock performs the two-step lookup from spec.md §4.2: resolve id to
// a Subscription, then lock hash against its registry.
func (t *SubscriptionTable) LockBlock(id SubscriptionId, hash common.Hash) (*BlockGuard, error) {
	sub, ok := t.Get(id)
	if !ok {
		return nil, ErrSubscriptionAbsent
	}
	if !sub.Registry.Lock(hash) {
		return nil, ErrBlockHashAbsent
	}
	return newBlockGuard(id, hash, sub.RuntimeUpdates, sub.Registry), nil
}

// UnpinBlock performs the same lookup as LockBlock, then unpins hash.
func (t *SubscriptionTable) UnpinBlock(id SubscriptionId, hash common.Hash) error {
	sub, ok := t.Get(id)
	if !ok {
		return ErrSubscriptionAbsent
	}
	return sub.Registry.Unpin(hash)
}

// RemoveSubscription fires the stop signal (if still armed) and drops the
// table entry. Idempotent: removing an already-removed or unknown id is a
// no-op.
func (t *SubscriptionTable) RemoveSubscription(id SubscriptionId) {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if ok {
		sub.Stop()
		log.Debug("chainhead: subscription removed", "id", id)
	}
}

// Len reports the number of live subscriptions. Diagnostic only.
func (t *SubscriptionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
