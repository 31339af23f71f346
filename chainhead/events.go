package chainhead

import "github.com/ethereum/go-ethereum/common"

// FollowEvent is one frame on the chainHead_unstable_follow stream.
// Fields are populated according to Event; unused fields are omitted from
// JSON via `omitempty`. The precise payload schema beyond what interacts
// with pinning is explicitly out of scope per spec.md §1 — this is the
// minimal shape needed to exercise Initialized/NewBlock/BestBlockChanged/
// Finalized/Stop.
type FollowEvent struct {
	Event string `json:"event"`

	// Initialized
	FinalizedBlockHash *common.Hash `json:"finalizedBlockHash,omitempty"`

	// NewBlock
	BlockHash       *common.Hash `json:"blockHash,omitempty"`
	ParentBlockHash *common.Hash `json:"parentBlockHash,omitempty"`

	// BestBlockChanged
	BestBlockHash *common.Hash `json:"bestBlockHash,omitempty"`

	// Finalized
	FinalizedBlockHashes []common.Hash `json:"finalizedBlockHashes,omitempty"`
	PrunedBlockHashes    []common.Hash `json:"prunedBlockHashes,omitempty"`
}

func initializedEvent(finalized common.Hash) FollowEvent {
	return FollowEvent{Event: "initialized", FinalizedBlockHash: &finalized}
}

func newBlockEvent(hash, parent common.Hash) FollowEvent {
	return FollowEvent{Event: "newBlock", BlockHash: &hash, ParentBlockHash: &parent}
}

func bestBlockChangedEvent(hash common.Hash) FollowEvent {
	return FollowEvent{Event: "bestBlockChanged", BestBlockHash: &hash}
}

func finalizedEvent(finalized, pruned []common.Hash) FollowEvent {
	return FollowEvent{Event: "finalized", FinalizedBlockHashes: finalized, PrunedBlockHashes: pruned}
}

func stopEvent() FollowEvent {
	return FollowEvent{Event: "stop"}
}

// ChainHeadEvent is the single frame emitted on the one-shot streams
// (body, storage, call). Exactly one of these kinds is ever sent per
// request.
type ChainHeadEvent struct {
	Event  string  `json:"event"`
	Result *string `json:"result,omitempty"` // Done
	Error  *string `json:"error,omitempty"`  // Error
}

func doneEvent(result string) ChainHeadEvent {
	return ChainHeadEvent{Event: "done", Result: &result}
}

func doneNullEvent() ChainHeadEvent {
	return ChainHeadEvent{Event: "done"}
}

func errorEvent(msg string) ChainHeadEvent {
	return ChainHeadEvent{Event: "error", Error: &msg}
}

func disjointEvent() ChainHeadEvent {
	return ChainHeadEvent{Event: "disjoint"}
}

// ChainEventKind classifies a backend-produced chain event consumed by
// the Follow Stream Driver.
type ChainEventKind int

const (
	// EventImported fires for a new imported block, best or not (e.g. a
	// competing fork head). It is always followed, eventually, by either
	// an EventBestBlockChanged (if it becomes the new chain head) or by
	// nothing further (if it is superseded without ever becoming best).
	EventImported ChainEventKind = iota
	// EventBestBlockChanged fires when the chain's best block pointer
	// moves to an already-imported block, distinct from the import
	// itself (spec.md §6's NewBlock vs. BestBlockChanged frames).
	EventBestBlockChanged
	// EventFinalized fires when one or more blocks finalize.
	EventFinalized
	// EventPruned fires when the backend forgets a block body.
	EventPruned
	// EventBackendError fires when the backend's own event stream fails.
	EventBackendError
)

// ChainEvent is the external backend's notification contract (spec.md §6:
// "a subscribable stream of chain events"). A real backend publishes
// these on an event.Feed; the driver subscribes with
// Backend.SubscribeChainEvents.
type ChainEvent struct {
	Kind ChainEventKind

	Hash       common.Hash // Imported, BestBlockChanged, Pruned
	ParentHash common.Hash // Imported

	FinalizedHashes []common.Hash // Finalized
	PrunedHashes    []common.Hash // Finalized (blocks pruned as a side effect of finality)

	Err error // BackendError
}
