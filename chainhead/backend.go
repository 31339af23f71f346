package chainhead

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// CallContext distinguishes the execution context a runtime call is made
// in. This subsystem only ever issues off-chain calls (chainHead_call is
// always diagnostic/read-only from the client's perspective), but the
// type exists so a Backend implementation can tell the difference from
// other call sites it may serve.
type CallContext int

const (
	// OffchainCallContext is the context chainHead_unstable_call always
	// uses, mirroring sp_core::traits::CallContext::Offchain in the
	// original Rust implementation.
	OffchainCallContext CallContext = iota
)

// Backend is the external blockchain client/backend collaborator named in
// spec.md §1/§6. Everything about how it stores or computes these values
// is out of scope here; this subsystem only consumes the contract.
//
// A nil, nil return from Header/Body/Storage/ChildStorage means "not
// found" and is not an error; a non-nil error means the backend itself
// failed to answer (surfaced to the client as an Error event or a
// FetchBlockHeader/BackendCall error, never as a subscription-ending
// fault).
type Backend interface {
	// Header returns the hex-encodable raw header bytes for hash, or nil
	// if the backend holds no header for it.
	Header(ctx context.Context, hash common.Hash) ([]byte, error)

	// Body returns the already-serialized extrinsic sequence for hash
	// (serialization format itself is an external collaborator concern
	// per spec.md §1; this subsystem only hex-encodes whatever the
	// backend hands back). A nil slice with a nil error means the body
	// has been pruned (distinct from a non-nil empty slice).
	Body(ctx context.Context, hash common.Hash) ([]byte, error)

	// Storage returns the raw value at key in hash's main trie, or nil if
	// absent.
	Storage(ctx context.Context, hash common.Hash, key []byte) ([]byte, error)

	// ChildStorage returns the raw value at key within the child trie
	// identified by childKey, or nil if absent. Callers must not invoke
	// this for a childKey that is itself a reserved child-storage-prefixed
	// key; the dispatcher filters those out before reaching the backend.
	ChildStorage(ctx context.Context, hash common.Hash, childKey, key []byte) ([]byte, error)

	// Call invokes a runtime entry point against the state at hash.
	Call(ctx context.Context, hash common.Hash, function string, params []byte, callCtx CallContext) ([]byte, error)

	// FinalizedHead returns the current finalized block hash, used for
	// the follow stream's Initialized event.
	FinalizedHead(ctx context.Context) (common.Hash, error)

	// GenesisHash returns the chain's genesis block hash.
	GenesisHash() common.Hash

	// SubscribeChainEvents registers ch to receive chain events until the
	// returned subscription is unsubscribed, following the same
	// event.Feed/event.Subscription contract the teacher's filter-system
	// backends use for SubscribeChainEvent/SubscribeNewTxsEvent.
	SubscribeChainEvents(ch chan<- ChainEvent) event.Subscription
}
