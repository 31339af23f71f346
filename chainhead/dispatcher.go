package chainhead

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// defaultSendTimeout bounds how long the follow driver will wait on a
// single sink send before concluding the consumer is too slow.
const defaultSendTimeout = 5 * time.Second

// Reserved child-storage key prefixes. A storage query against a child
// key carrying either prefix must short-circuit to Done(null) without
// touching the backend (spec.md §4.5, §8) — these come straight from
// substrate's sp_core::storage::well_known_keys.
var (
	childStorageKeyPrefix        = []byte(":child_storage:")
	defaultChildStorageKeyPrefix = []byte(":child_storage:default:")
)

func isReservedChildStorageKey(key []byte) bool {
	return bytes.HasPrefix(key, childStorageKeyPrefix) || bytes.HasPrefix(key, defaultChildStorageKeyPrefix)
}

// API is the On-Demand Query Dispatcher (C5) plus the RPC surface from
// spec.md §6, registered on a *rpc.Server. Bare Go method names map to
// "namespace_methodName" under the namespace given at registration (the
// tests use "chainHead": chainHead_header, chainHead_unpin,
// chainHead_genesisHash, and chainHead_subscribe with "follow", "body",
// "storage" or "call" as first parameter). go-ethereum's rpc package
// splits a method name at its first underscore, so names of the form
// chainHead_unstable_<method> are not served.
type API struct {
	backend Backend
	table   *SubscriptionTable
	cfg     Config

	sendTimeout time.Duration
}

// NewAPI constructs the dispatcher. It fails if cfg is invalid.
func NewAPI(backend Backend, cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{
		backend:     backend,
		table:       NewSubscriptionTable(cfg.MaxPinnedBlocks, cfg.MaxPinnedDuration),
		cfg:         cfg,
		sendTimeout: defaultSendTimeout,
	}, nil
}

// ParseHexParam decodes a "0x"-prefixed hex parameter, with the original
// Rust implementation's one deviation from hexutil's own rules: an empty
// string parses to empty bytes rather than being rejected (spec.md §8
// round-trip property).
func ParseHexParam(param string) ([]byte, error) {
	if param == "" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(param)
	if err != nil {
		return nil, &InvalidParamError{Msg: param}
	}
	return b, nil
}

// Follow implements chainHead_unstable_follow.
func (a *API) Follow(ctx context.Context, runtimeUpdates bool) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}

	pending := NewPendingSink(func() (*rpc.Subscription, error) {
		return notifier.CreateSubscription(), nil
	})
	// Follow has no rejection path of its own once notifications are
	// supported: the transport assigns the subscription id as part of
	// accepting, before the core gets a chance to veto it, so Accept is
	// unconditional here (unlike Body/Storage/Call below).
	rpcSub, _ := pending.Accept()
	id := SubscriptionId(rpcSub.ID)

	sub, ok := a.table.Insert(id, runtimeUpdates)
	if !ok {
		// Transport handed out a colliding subscription id. spec.md §3:
		// "the core MUST detect collisions and refuse the second
		// insertion." The original Rust handles this by emitting a bare
		// Stop on the (already-accepted) sink; we do the same.
		log.Debug("chainhead: follow rejected, duplicate subscription id", "id", id)
		go notifier.Notify(rpcSub.ID, stopEvent())
		return rpcSub, nil
	}

	sink := &notifierFollowSink{notifier: notifier, id: rpcSub.ID}
	driver := NewFollowDriver(a.backend, a.table, sub, sink, a.sendTimeout)

	go func() {
		done := make(chan struct{})
		go func() {
			driver.Run(context.Background())
			close(done)
		}()
		select {
		case <-notifier.Closed():
			sub.Stop()
			<-done
		case <-done:
		}
	}()

	return rpcSub, nil
}

// notifierFollowSink adapts FollowDriver's FollowSink contract onto a
// live rpc.Notifier. rpc.Notifier.Notify has no context parameter of its
// own, so the explicit backpressure timeout FollowDriver applies around
// every Send call is what gives the "bounded budget" behavior spec.md
// §4.4 asks for; the adapter itself just forwards the outcome.
type notifierFollowSink struct {
	notifier *rpc.Notifier
	id       rpc.ID
}

func (s *notifierFollowSink) Send(ctx context.Context, event FollowEvent) error {
	result := make(chan error, 1)
	go func() { result <- s.notifier.Notify(s.id, event) }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Body implements chainHead_unstable_body.
func (a *API) Body(ctx context.Context, followSubscription string, hash common.Hash) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	subID := SubscriptionId(followSubscription)
	pending := NewPendingSink(func() (*rpc.Subscription, error) {
		return notifier.CreateSubscription(), nil
	})

	guard, err := a.table.LockBlock(subID, hash)
	switch {
	case err == nil:
		rpcSub, _ := pending.Accept()
		go a.runBody(notifier, rpcSub, subID, hash, guard)
		return rpcSub, nil

	case errors.Is(err, ErrSubscriptionAbsent):
		rpcSub, _ := pending.Accept()
		go notifier.Notify(rpcSub.ID, disjointEvent())
		return rpcSub, nil

	default: // errors.Is(err, ErrBlockHashAbsent)
		pending.Reject()
		return nil, &InvalidBlockError{}
	}
}

func (a *API) runBody(notifier *rpc.Notifier, rpcSub *rpc.Subscription, subID SubscriptionId, hash common.Hash, guard *BlockGuard) {
	defer guard.Release()

	body, err := a.backend.Body(context.Background(), hash)
	switch {
	case err != nil:
		notifier.Notify(rpcSub.ID, errorEvent(err.Error()))
	case body == nil:
		// The body was pruned between lock and fetch: the client's view
		// has diverged from the node's retention. spec.md §7 requires
		// tearing down the whole subscription, not just this request.
		log.Debug("chainhead: body pruned, removing subscription", "id", subID, "hash", hash)
		a.table.RemoveSubscription(subID)
		notifier.Notify(rpcSub.ID, disjointEvent())
	default:
		notifier.Notify(rpcSub.ID, doneEvent(hexutil.Encode(body)))
	}
}

// Header implements chainHead_unstable_header. It is synchronous.
func (a *API) Header(followSubscription string, hash common.Hash) (*string, error) {
	guard, err := a.table.LockBlock(SubscriptionId(followSubscription), hash)
	switch {
	case err == nil:
		defer guard.Release()
	case errors.Is(err, ErrSubscriptionAbsent):
		return nil, nil
	default: // errors.Is(err, ErrBlockHashAbsent)
		return nil, &InvalidBlockError{}
	}

	hdr, err := a.backend.Header(context.Background(), hash)
	if err != nil {
		return nil, &BackendCallError{Op: "FetchBlockHeader", Err: err}
	}
	if hdr == nil {
		return nil, nil
	}
	enc := hexutil.Encode(hdr)
	return &enc, nil
}

// Storage implements chainHead_unstable_storage.
func (a *API) Storage(ctx context.Context, followSubscription string, hash common.Hash, key string, childKey *string) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}

	keyBytes, err := ParseHexParam(key)
	if err != nil {
		return nil, err
	}
	var childKeyBytes []byte
	if childKey != nil {
		childKeyBytes, err = ParseHexParam(*childKey)
		if err != nil {
			return nil, err
		}
	}

	subID := SubscriptionId(followSubscription)
	pending := NewPendingSink(func() (*rpc.Subscription, error) {
		return notifier.CreateSubscription(), nil
	})

	guard, lockErr := a.table.LockBlock(subID, hash)
	switch {
	case lockErr == nil:
		rpcSub, _ := pending.Accept()
		go a.runStorage(notifier, rpcSub, hash, keyBytes, childKeyBytes, guard)
		return rpcSub, nil

	case errors.Is(lockErr, ErrSubscriptionAbsent):
		rpcSub, _ := pending.Accept()
		go notifier.Notify(rpcSub.ID, disjointEvent())
		return rpcSub, nil

	default: // errors.Is(lockErr, ErrBlockHashAbsent)
		pending.Reject()
		return nil, &InvalidBlockError{}
	}
}

func (a *API) runStorage(notifier *rpc.Notifier, rpcSub *rpc.Subscription, hash common.Hash, key, childKey []byte, guard *BlockGuard) {
	defer guard.Release()

	if childKey != nil {
		if isReservedChildStorageKey(childKey) {
			notifier.Notify(rpcSub.ID, doneNullEvent())
			return
		}
		value, err := a.backend.ChildStorage(context.Background(), hash, childKey, key)
		notifier.Notify(rpcSub.ID, storageResultEvent(value, err))
		return
	}

	if isReservedChildStorageKey(key) {
		notifier.Notify(rpcSub.ID, doneNullEvent())
		return
	}
	value, err := a.backend.Storage(context.Background(), hash, key)
	notifier.Notify(rpcSub.ID, storageResultEvent(value, err))
}

func storageResultEvent(value []byte, err error) ChainHeadEvent {
	if err != nil {
		return errorEvent(err.Error())
	}
	if value == nil {
		return doneNullEvent()
	}
	return doneEvent(hexutil.Encode(value))
}

// Call implements chainHead_unstable_call.
func (a *API) Call(ctx context.Context, followSubscription string, hash common.Hash, function string, callParameters string) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}

	params, err := ParseHexParam(callParameters)
	if err != nil {
		return nil, err
	}

	subID := SubscriptionId(followSubscription)
	pending := NewPendingSink(func() (*rpc.Subscription, error) {
		return notifier.CreateSubscription(), nil
	})

	guard, lockErr := a.table.LockBlock(subID, hash)
	switch {
	case lockErr == nil:
		if !guard.HasRuntime() {
			guard.Release()
			pending.Reject()
			return nil, &InvalidParamError{Msg: "The runtime updates flag must be set"}
		}
		rpcSub, _ := pending.Accept()
		go a.runCall(notifier, rpcSub, hash, function, params, guard)
		return rpcSub, nil

	case errors.Is(lockErr, ErrSubscriptionAbsent):
		rpcSub, _ := pending.Accept()
		go notifier.Notify(rpcSub.ID, disjointEvent())
		return rpcSub, nil

	default: // errors.Is(lockErr, ErrBlockHashAbsent)
		pending.Reject()
		return nil, &InvalidBlockError{}
	}
}

func (a *API) runCall(notifier *rpc.Notifier, rpcSub *rpc.Subscription, hash common.Hash, function string, params []byte, guard *BlockGuard) {
	defer guard.Release()

	result, err := a.backend.Call(context.Background(), hash, function, params, OffchainCallContext)
	if err != nil {
		notifier.Notify(rpcSub.ID, errorEvent(err.Error()))
		return
	}
	notifier.Notify(rpcSub.ID, doneEvent(hexutil.Encode(result)))
}

// Unpin implements chainHead_unstable_unpin. It is synchronous.
func (a *API) Unpin(followSubscription string, hash common.Hash) error {
	err := a.table.UnpinBlock(SubscriptionId(followSubscription), hash)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSubscriptionAbsent):
		// Unpinning a vanished subscription is a no-op, not an error
		// surfaced to the client (spec.md §4.2, §7).
		return nil
	default: // errors.Is(err, ErrAbsent)
		return &InvalidBlockError{}
	}
}

// GenesisHash implements chainHead_unstable_genesisHash. Pure accessor.
func (a *API) GenesisHash() string {
	return hexutil.Encode(a.cfg.GenesisHash.Bytes())
}
