package chainhead_test

import (
	"context"
	"testing"
	"time"

	"github.com/dmoka/substrate/chainhead"
	"github.com/dmoka/substrate/internal/chainheadtest"
	"github.com/ethereum/go-ethereum/common"
)

func followHashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func recvEvent(t *testing.T, ch <-chan chainhead.FollowEvent) chainhead.FollowEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for follow event")
		return chainhead.FollowEvent{}
	}
}

func TestFollowDriverInitializedThenNewBlockThenFinalized(t *testing.T) {
	genesis := followHashN(0)
	backend := chainheadtest.New(genesis)

	table := chainhead.NewSubscriptionTable(16, time.Hour)
	sub, ok := table.Insert("sub-1", false)
	if !ok {
		t.Fatal("expected insert to succeed")
	}

	sink, recv := chainhead.NewChannelFollowSink(8)
	driver := chainhead.NewFollowDriver(backend, table, sub, sink, 2*time.Second)

	done := make(chan struct{})
	go func() {
		driver.Run(context.Background())
		close(done)
	}()

	init := recvEvent(t, recv)
	if init.Event != "initialized" {
		t.Fatalf("expected initialized first, got %q", init.Event)
	}
	if *init.FinalizedBlockHash != genesis {
		t.Fatalf("expected finalized hash to be genesis, got %v", *init.FinalizedBlockHash)
	}

	backend.ImportBlock(followHashN(1), genesis)
	newBlock := recvEvent(t, recv)
	if newBlock.Event != "newBlock" || *newBlock.BlockHash != followHashN(1) {
		t.Fatalf("unexpected newBlock event: %+v", newBlock)
	}
	if !sub.Registry.Lock(followHashN(1)) {
		t.Fatal("expected imported block to be pinned")
	}
	sub.Registry.Release(followHashN(1))

	backend.Finalize([]common.Hash{followHashN(1)}, nil)
	finalized := recvEvent(t, recv)
	if finalized.Event != "finalized" || len(finalized.FinalizedBlockHashes) != 1 || finalized.FinalizedBlockHashes[0] != followHashN(1) {
		t.Fatalf("unexpected finalized event: %+v", finalized)
	}

	sub.Stop()
	stop := recvEvent(t, recv)
	if stop.Event != "stop" {
		t.Fatalf("expected terminal stop frame, got %q", stop.Event)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not return after stop")
	}

	if _, ok := table.Get("sub-1"); ok {
		t.Fatal("expected subscription removed from table after Run returns")
	}
}

func TestFollowDriverEmitsBestBlockChanged(t *testing.T) {
	genesis := followHashN(0)
	backend := chainheadtest.New(genesis)

	table := chainhead.NewSubscriptionTable(16, time.Hour)
	sub, _ := table.Insert("sub-1", false)

	sink, recv := chainhead.NewChannelFollowSink(8)
	driver := chainhead.NewFollowDriver(backend, table, sub, sink, 2*time.Second)
	go driver.Run(context.Background())

	recvEvent(t, recv) // initialized

	backend.ImportBlock(followHashN(1), genesis)
	newBlock := recvEvent(t, recv)
	if newBlock.Event != "newBlock" {
		t.Fatalf("expected newBlock, got %q", newBlock.Event)
	}

	backend.BestBlockChanged(followHashN(1))
	best := recvEvent(t, recv)
	if best.Event != "bestBlockChanged" || *best.BestBlockHash != followHashN(1) {
		t.Fatalf("unexpected bestBlockChanged event: %+v", best)
	}

	sub.Stop()
	recvEvent(t, recv) // stop
}

func TestFollowDriverStopsOnPinLimitBreach(t *testing.T) {
	genesis := followHashN(0)
	backend := chainheadtest.New(genesis)

	table := chainhead.NewSubscriptionTable(1, time.Hour)
	sub, _ := table.Insert("sub-1", false)

	sink, recv := chainhead.NewChannelFollowSink(8)
	driver := chainhead.NewFollowDriver(backend, table, sub, sink, 2*time.Second)
	go driver.Run(context.Background())

	recvEvent(t, recv) // initialized

	backend.ImportBlock(followHashN(1), genesis)
	recvEvent(t, recv) // newBlock h1, now at capacity

	if !sub.Registry.Lock(followHashN(1)) {
		t.Fatal("expected h1 to be pinned")
	}
	// h1 is within max_age (and also guarded), so it can't be evicted;
	// importing h2 breaches the limit and the driver must terminate with
	// Stop.
	backend.ImportBlock(followHashN(2), followHashN(1))

	stop := recvEvent(t, recv)
	if stop.Event != "stop" {
		t.Fatalf("expected stop after limit breach, got %q", stop.Event)
	}
	sub.Registry.Release(followHashN(1))
}

func TestFollowDriverStopsOnBackendError(t *testing.T) {
	genesis := followHashN(0)
	backend := chainheadtest.New(genesis)

	table := chainhead.NewSubscriptionTable(16, time.Hour)
	sub, _ := table.Insert("sub-1", false)

	sink, recv := chainhead.NewChannelFollowSink(8)
	driver := chainhead.NewFollowDriver(backend, table, sub, sink, 2*time.Second)
	go driver.Run(context.Background())

	recvEvent(t, recv) // initialized

	backend.BackendError(chainheadtest.ErrBackendFailure)
	stop := recvEvent(t, recv)
	if stop.Event != "stop" {
		t.Fatalf("expected stop after backend error, got %q", stop.Event)
	}
}
