// Package chainheadtest provides an in-memory chainhead.Backend for tests,
// reworked from the teacher's eth/filters/test_backend.go: a map-backed
// store plus a single event.Feed carrying every chain-event kind, driven
// explicitly by the test rather than by a real chain.
package chainheadtest

import (
	"context"
	"errors"
	"sync"

	"github.com/dmoka/substrate/chainhead"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// ErrBackendFailure is returned by any accessor when its hash has been
// registered with FailOn.
var ErrBackendFailure = errors.New("chainheadtest: simulated backend failure")

// Backend is a deterministic, hand-fed chainhead.Backend. Tests call
// ImportBlock/BestBlockChanged/Finalize/BackendError to drive chain events
// and SetHeader/SetBody/SetStorage/SetChildStorage/PruneBody/FailOn to
// seed the data those events' hashes will resolve to.
type Backend struct {
	mu sync.Mutex

	headers  map[common.Hash][]byte
	bodies   map[common.Hash][]byte
	storage  map[common.Hash]map[string][]byte
	children map[common.Hash]map[string]map[string][]byte
	pruned   map[common.Hash]bool
	failing  map[common.Hash]bool

	finalized common.Hash
	genesis   common.Hash

	chainFeed event.Feed
}

// New creates an empty backend with the given genesis hash.
func New(genesis common.Hash) *Backend {
	return &Backend{
		headers:  make(map[common.Hash][]byte),
		bodies:   make(map[common.Hash][]byte),
		storage:  make(map[common.Hash]map[string][]byte),
		children: make(map[common.Hash]map[string]map[string][]byte),
		pruned:   make(map[common.Hash]bool),
		failing:  make(map[common.Hash]bool),
		genesis:  genesis,
	}
}

// SetHeader seeds the raw header bytes returned for hash.
func (b *Backend) SetHeader(hash common.Hash, header []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers[hash] = header
}

// SetBody seeds the raw already-serialized extrinsic sequence for hash.
func (b *Backend) SetBody(hash common.Hash, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies[hash] = body
}

// SetStorage seeds a main-trie key/value pair for hash.
func (b *Backend) SetStorage(hash common.Hash, key, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.storage[hash]
	if m == nil {
		m = make(map[string][]byte)
		b.storage[hash] = m
	}
	m[string(key)] = value
}

// SetChildStorage seeds a child-trie key/value pair for hash.
func (b *Backend) SetChildStorage(hash common.Hash, childKey, key, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byChild := b.children[hash]
	if byChild == nil {
		byChild = make(map[string]map[string][]byte)
		b.children[hash] = byChild
	}
	m := byChild[string(childKey)]
	if m == nil {
		m = make(map[string][]byte)
		byChild[string(childKey)] = m
	}
	m[string(key)] = value
}

// FailOn makes every accessor for hash return ErrBackendFailure.
func (b *Backend) FailOn(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[hash] = true
}

// PruneBody marks hash's body as pruned: subsequent Body calls return
// (nil, nil) as spec.md requires for "pruned" rather than "absent".
func (b *Backend) PruneBody(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruned[hash] = true
}

// ImportBlock publishes an EventImported chain event for hash/parent.
func (b *Backend) ImportBlock(hash, parent common.Hash) {
	b.chainFeed.Send(chainhead.ChainEvent{Kind: chainhead.EventImported, Hash: hash, ParentHash: parent})
}

// BestBlockChanged publishes an EventBestBlockChanged event for an
// already-imported hash.
func (b *Backend) BestBlockChanged(hash common.Hash) {
	b.chainFeed.Send(chainhead.ChainEvent{Kind: chainhead.EventBestBlockChanged, Hash: hash})
}

// Finalize publishes an EventFinalized event and advances the tracked
// finalized head to the last entry in finalized.
func (b *Backend) Finalize(finalized, pruned []common.Hash) {
	b.mu.Lock()
	if len(finalized) > 0 {
		b.finalized = finalized[len(finalized)-1]
	}
	b.mu.Unlock()
	b.chainFeed.Send(chainhead.ChainEvent{Kind: chainhead.EventFinalized, FinalizedHashes: finalized, PrunedHashes: pruned})
}

// BackendError publishes an EventBackendError event, simulating the
// backend's own event stream failing.
func (b *Backend) BackendError(err error) {
	b.chainFeed.Send(chainhead.ChainEvent{Kind: chainhead.EventBackendError, Err: err})
}

func (b *Backend) isFailing(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failing[hash]
}

// Header implements chainhead.Backend.
func (b *Backend) Header(_ context.Context, hash common.Hash) ([]byte, error) {
	if b.isFailing(hash) {
		return nil, ErrBackendFailure
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[hash], nil
}

// Body implements chainhead.Backend.
func (b *Backend) Body(_ context.Context, hash common.Hash) ([]byte, error) {
	if b.isFailing(hash) {
		return nil, ErrBackendFailure
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pruned[hash] {
		return nil, nil
	}
	if body, ok := b.bodies[hash]; ok {
		return body, nil
	}
	return []byte{}, nil
}

// Storage implements chainhead.Backend.
func (b *Backend) Storage(_ context.Context, hash common.Hash, key []byte) ([]byte, error) {
	if b.isFailing(hash) {
		return nil, ErrBackendFailure
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storage[hash][string(key)], nil
}

// ChildStorage implements chainhead.Backend.
func (b *Backend) ChildStorage(_ context.Context, hash common.Hash, childKey, key []byte) ([]byte, error) {
	if b.isFailing(hash) {
		return nil, ErrBackendFailure
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.children[hash][string(childKey)][string(key)], nil
}

// Call implements chainhead.Backend.
func (b *Backend) Call(_ context.Context, hash common.Hash, function string, params []byte, _ chainhead.CallContext) ([]byte, error) {
	if b.isFailing(hash) {
		return nil, ErrBackendFailure
	}
	return append([]byte(function+":"), params...), nil
}

// FinalizedHead implements chainhead.Backend.
func (b *Backend) FinalizedHead(_ context.Context) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized, nil
}

// GenesisHash implements chainhead.Backend.
func (b *Backend) GenesisHash() common.Hash {
	return b.genesis
}

// SubscribeChainEvents implements chainhead.Backend.
func (b *Backend) SubscribeChainEvents(ch chan<- chainhead.ChainEvent) event.Subscription {
	return b.chainFeed.Subscribe(ch)
}

var _ chainhead.Backend = (*Backend)(nil)
