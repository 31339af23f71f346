package chainhead

import (
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// BlockGuard is the scoped handle returned by a successful lock_block.
// While held it keeps its block's pin entry alive; on Release it
// decrements the registry's live-guard count for that hash. Go has no
// destructors, so every call site that obtains a BlockGuard MUST
// `defer guard.Release()` immediately — see spec.md §9 "Scoped release".
//
// BlockGuard is move-only in spirit: it carries no exported fields and
// its zero value is not useful, but because Go has no ownership types,
// "move-only" is enforced by convention (callers must not share a guard
// across goroutines or copy it after passing it along) rather than by the
// type system.
type BlockGuard struct {
	subID      SubscriptionId
	hash       common.Hash
	hasRuntime bool
	registry   *BlockRegistry
	released   atomic.Bool
}

// newBlockGuard is called only by SubscriptionTable.LockBlock after a
// successful BlockRegistry.Lock.
func newBlockGuard(subID SubscriptionId, hash common.Hash, hasRuntime bool, registry *BlockRegistry) *BlockGuard {
	return &BlockGuard{subID: subID, hash: hash, hasRuntime: hasRuntime, registry: registry}
}

// HasRuntime reports whether the owning subscription was created with
// runtime_updates=true. Runtime-call requests must refuse when this is
// false, regardless of which block is targeted.
func (g *BlockGuard) HasRuntime() bool {
	return g.hasRuntime
}

// Hash is the block hash this guard pins.
func (g *BlockGuard) Hash() common.Hash {
	return g.hash
}

// SubscriptionID is the owning subscription.
func (g *BlockGuard) SubscriptionID() SubscriptionId {
	return g.subID
}

// Release decrements the registry's live-guard count for this guard's
// hash. It is idempotent: calling it more than once (e.g. once explicitly
// and once via a deferred call on a cancellation path) only releases
// once. It is always safe to call, even if the owning subscription has
// since been torn down — the registry reference stays valid, so the
// decrement lands on the detached registry, and is a no-op if the entry
// no longer exists.
func (g *BlockGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.registry.Release(g.hash)
	}
}
