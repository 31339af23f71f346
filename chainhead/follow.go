package chainhead

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// FollowSink is the transport contract the Follow Stream Driver pushes
// events through (spec.md §6: "a sink that delivers framed events in
// order with bounded buffering"). Send must respect ctx: when ctx is
// cancelled before the event is accepted, Send must return ctx.Err() so
// the driver can treat it as backpressure and stop cleanly rather than
// buffer unboundedly (spec.md §4.4 "Backpressure").
type FollowSink interface {
	Send(ctx context.Context, event FollowEvent) error
}

// ChannelFollowSink is a FollowSink backed by a buffered channel. It is
// the reference implementation used by tests and by any in-process
// wiring that doesn't go through a real RPC notifier.
type ChannelFollowSink struct {
	ch chan FollowEvent
}

// NewChannelFollowSink creates a sink with the given buffer depth and
// returns both the sink and its receive end.
func NewChannelFollowSink(buffer int) (*ChannelFollowSink, <-chan FollowEvent) {
	ch := make(chan FollowEvent, buffer)
	return &ChannelFollowSink{ch: ch}, ch
}

// Send implements FollowSink.
func (s *ChannelFollowSink) Send(ctx context.Context, event FollowEvent) error {
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FollowDriver is the long-running per-subscription task described in
// spec.md §4.4: it converts the backend's chain-event stream into
// FollowEvents on sink while keeping sub.Registry synchronized, and
// terminates (always with a final Stop frame) on a stop signal, a limit
// breach, a backend error, or sink backpressure.
type FollowDriver struct {
	backend     Backend
	table       *SubscriptionTable
	sub         *Subscription
	sink        FollowSink
	sendTimeout time.Duration
}

// NewFollowDriver constructs a driver for sub. sendTimeout bounds how long
// the driver will wait for the sink to accept one frame before treating
// the subscriber as a slow consumer (spec.md §4.4 backpressure).
func NewFollowDriver(backend Backend, table *SubscriptionTable, sub *Subscription, sink FollowSink, sendTimeout time.Duration) *FollowDriver {
	return &FollowDriver{backend: backend, table: table, sub: sub, sink: sink, sendTimeout: sendTimeout}
}

// Run drives the subscription until it ends, for any reason, then removes
// it from the table. Run always returns after emitting a terminal Stop
// frame (best-effort — if the sink itself is wedged, the Stop send may
// also time out, but Run still returns and still removes the
// subscription, honoring "the driver must terminate promptly").
func (d *FollowDriver) Run(ctx context.Context) {
	defer d.table.RemoveSubscription(d.sub.ID)

	events := make(chan ChainEvent, 64)
	backendSub := d.backend.SubscribeChainEvents(events)
	defer backendSub.Unsubscribe()

	finalized, err := d.backend.FinalizedHead(ctx)
	if err != nil {
		log.Warn("chainhead: follow stopping, finalized head fetch failed", "id", d.sub.ID, "err", err)
		d.emitStop(ctx, "backend")
		return
	}
	if !d.send(ctx, initializedEvent(finalized)) {
		return
	}

	for {
		select {
		case <-d.sub.StopSignal():
			d.emitStop(ctx, "client")
			return

		case err := <-backendSub.Err():
			log.Warn("chainhead: follow stopping, backend subscription ended", "id", d.sub.ID, "err", err)
			d.emitStop(ctx, "backend")
			return

		case ev := <-events:
			if !d.handleEvent(ctx, ev) {
				return
			}
		}
	}
}

// handleEvent applies one backend chain event to the registry and the
// sink. It returns false when the driver must stop (a Stop frame has
// already been emitted by the time it returns false).
func (d *FollowDriver) handleEvent(ctx context.Context, ev ChainEvent) bool {
	switch ev.Kind {
	case EventImported:
		if err := d.sub.Registry.Pin(ev.Hash); err != nil {
			log.Warn("chainhead: follow stopping, pin failed", "id", d.sub.ID, "hash", ev.Hash, "err", err)
			d.emitStop(ctx, "limit")
			return false
		}
		return d.send(ctx, newBlockEvent(ev.Hash, ev.ParentHash))

	case EventBestBlockChanged:
		// The block itself was already announced via EventImported and is
		// pinned; this only moves the best pointer, so there is nothing to
		// pin or evict here.
		return d.send(ctx, bestBlockChangedEvent(ev.Hash))

	case EventFinalized:
		for _, pruned := range ev.PrunedHashes {
			d.sub.Registry.MarkPruned(pruned)
		}
		return d.send(ctx, finalizedEvent(ev.FinalizedHashes, ev.PrunedHashes))

	case EventPruned:
		// Pruning outside of finality (e.g. a discarded fork) has no
		// dedicated wire frame in the protocol's event surface (spec.md
		// §6 lists Initialized/NewBlock/BestBlockChanged/Finalized/Stop
		// only); it only updates registry bookkeeping: once no guard holds
		// the block it leaves the registry, so a later request for it is
		// rejected as an unknown block (InvalidBlock) instead of reaching
		// the backend.
		d.sub.Registry.MarkPruned(ev.Hash)
		return true

	case EventBackendError:
		log.Warn("chainhead: follow stopping, backend error", "id", d.sub.ID, "err", ev.Err)
		d.emitStop(ctx, "backend")
		return false

	default:
		return true
	}
}

// send delivers one non-terminal frame, enforcing the backpressure
// budget. On timeout it emits Stop itself and reports failure so the
// caller doesn't also try to keep going.
func (d *FollowDriver) send(ctx context.Context, event FollowEvent) bool {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.sink.Send(sendCtx, event); err != nil {
		log.Warn("chainhead: follow stopping, slow consumer", "id", d.sub.ID, "err", err)
		d.emitStop(ctx, "slow consumer")
		return false
	}
	return true
}

// emitStop sends the terminal Stop frame. It is the only place that does
// so, and it is always the last frame sent for a subscription (spec.md §8
// invariant 3).
func (d *FollowDriver) emitStop(ctx context.Context, reason string) {
	log.Debug("chainhead: follow stop", "id", d.sub.ID, "reason", reason)
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.sink.Send(sendCtx, stopEvent()); err != nil {
		log.Warn("chainhead: failed to deliver stop frame", "id", d.sub.ID, "err", err)
	}
}
