package orderbook

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"algotrader/exchange"
	"algotrader/model"
)

// fakeSyncAdapter embeds the (nil) exchange.Adapter interface so it satisfies
// the full interface via promoted methods, overriding only what the sync
// state machine calls.
type fakeSyncAdapter struct {
	exchange.Adapter
	caps    exchange.Capabilities
	depthCh chan model.DepthEvent
	snap    model.Snapshot
}

func (f *fakeSyncAdapter) Capabilities() exchange.Capabilities { return f.caps }

func (f *fakeSyncAdapter) ConnectStreamDepth(context.Context, model.Symbol) (<-chan model.DepthEvent, error) {
	return f.depthCh, nil
}

func (f *fakeSyncAdapter) GetDepth(context.Context, model.Symbol) (model.Snapshot, error) {
	return f.snap, nil
}

func newTestEntry(symbol model.Symbol) *entry {
	return &entry{book: newBook(symbol), readyCh: make(chan struct{})}
}

func awaitReady(t *testing.T, e *entry) {
	t.Helper()
	select {
	case <-e.readyCh:
	case <-time.After(time.Second):
		t.Fatal("ready channel never closed")
	}
}

func TestSyncOnceAppliesSnapshotThenSequentialUpdates(t *testing.T) {
	r := NewRegistry(slog.Default())
	symbol := model.NewSymbol("eth", "usdt")
	e := newTestEntry(symbol)
	depthCh := make(chan model.DepthEvent, 4)
	adapter := &fakeSyncAdapter{caps: exchange.Capabilities{CanStreamDepthSnapshot: true}, depthCh: depthCh}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.syncOnce(ctx, adapter, symbol, e) }()

	depthCh <- model.DepthEvent{Kind: model.DepthEventSnapshot, Snapshot: model.Snapshot{
		Bids:         []model.PriceLevel{lvl("100", "1")},
		LastUpdateID: 10,
	}}
	awaitReady(t, e)

	depthCh <- model.DepthEvent{Kind: model.DepthEventUpdate, Update: model.Update{
		FirstUpdateID: 11, LastUpdateID: 11,
		Bids: []model.PriceLevel{lvl("101", "2")},
	}}

	deadline := time.After(time.Second)
	for {
		bids := e.book.ListBids()
		if len(bids) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("update never applied, bids = %+v", bids)
		case <-time.After(10 * time.Millisecond):
		}
	}

	bids := e.book.ListBids()
	if !bids[0].Price.Equal(d("101")) || !bids[0].Size.Equal(d("2")) {
		t.Fatalf("best bid = %+v, want 101@2", bids[0])
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("syncOnce returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("syncOnce did not return after cancel")
	}
}

func TestSyncOnceRestartsOnInitialGap(t *testing.T) {
	r := NewRegistry(slog.Default())
	symbol := model.NewSymbol("eth", "usdt")
	e := newTestEntry(symbol)
	depthCh := make(chan model.DepthEvent, 4)
	adapter := &fakeSyncAdapter{caps: exchange.Capabilities{CanStreamDepthSnapshot: true}, depthCh: depthCh}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.syncOnce(ctx, adapter, symbol, e) }()

	depthCh <- model.DepthEvent{Kind: model.DepthEventSnapshot, Snapshot: model.Snapshot{LastUpdateID: 10}}
	awaitReady(t, e)

	// skips update_id 11: first post-snapshot update must cover snapshotLastID+1.
	depthCh <- model.DepthEvent{Kind: model.DepthEventUpdate, Update: model.Update{
		FirstUpdateID: 12, LastUpdateID: 13,
	}}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a gap error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("syncOnce did not return after the gap")
	}
}

func TestSyncOnceRestartsOnMidStreamGap(t *testing.T) {
	r := NewRegistry(slog.Default())
	symbol := model.NewSymbol("eth", "usdt")
	e := newTestEntry(symbol)
	depthCh := make(chan model.DepthEvent, 4)
	adapter := &fakeSyncAdapter{caps: exchange.Capabilities{CanStreamDepthSnapshot: true}, depthCh: depthCh}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.syncOnce(ctx, adapter, symbol, e) }()

	depthCh <- model.DepthEvent{Kind: model.DepthEventSnapshot, Snapshot: model.Snapshot{LastUpdateID: 5}}
	awaitReady(t, e)

	depthCh <- model.DepthEvent{Kind: model.DepthEventUpdate, Update: model.Update{FirstUpdateID: 6, LastUpdateID: 6}}
	depthCh <- model.DepthEvent{Kind: model.DepthEventUpdate, Update: model.Update{FirstUpdateID: 8, LastUpdateID: 8}} // 7 missing

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a sequence-gap error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("syncOnce did not return after the gap")
	}
}

func TestSyncOnceDiscardsUpdatesAtOrBelowSnapshot(t *testing.T) {
	r := NewRegistry(slog.Default())
	symbol := model.NewSymbol("eth", "usdt")
	e := newTestEntry(symbol)
	depthCh := make(chan model.DepthEvent, 4)
	adapter := &fakeSyncAdapter{caps: exchange.Capabilities{CanStreamDepthSnapshot: true}, depthCh: depthCh}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.syncOnce(ctx, adapter, symbol, e) }()

	depthCh <- model.DepthEvent{Kind: model.DepthEventSnapshot, Snapshot: model.Snapshot{LastUpdateID: 10}}
	awaitReady(t, e)

	// Stale update (last_update_id <= snapshot) must not bump the sequence
	// cursor nor count as the required gap-free first update.
	depthCh <- model.DepthEvent{Kind: model.DepthEventUpdate, Update: model.Update{
		FirstUpdateID: 3, LastUpdateID: 9,
		Bids: []model.PriceLevel{lvl("999", "1")},
	}}
	depthCh <- model.DepthEvent{Kind: model.DepthEventUpdate, Update: model.Update{
		FirstUpdateID: 11, LastUpdateID: 11,
		Bids: []model.PriceLevel{lvl("100", "1")},
	}}

	deadline := time.After(time.Second)
	for {
		bids := e.book.ListBids()
		if len(bids) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("the non-stale update was never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, ok := e.book.BestBid(); !ok {
		t.Fatal("expected a bid level after applying update 11")
	}
	if bids := e.book.ListBids(); bids[0].Price.Equal(d("999")) {
		t.Fatal("stale update (last_update_id <= snapshot) must have been discarded")
	}
}

func TestRegistrySubscribeSharesOneBookAcrossSubscribers(t *testing.T) {
	r := NewRegistry(slog.Default())
	symbol := model.NewSymbol("eth", "usdt")
	depthCh := make(chan model.DepthEvent, 2)
	adapter := &fakeSyncAdapter{caps: exchange.Capabilities{CanStreamDepthSnapshot: true}, depthCh: depthCh}
	depthCh <- model.DepthEvent{Kind: model.DepthEventSnapshot, Snapshot: model.Snapshot{LastUpdateID: 1}}

	ctx := context.Background()
	h1, err := r.Subscribe(ctx, adapter, symbol)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h2, err := r.Subscribe(ctx, adapter, symbol)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if h1.Book() != h2.Book() {
		t.Fatal("expected both handles to share the same Book instance")
	}

	r.mu.Lock()
	e := r.entries[registryKey(symbol)]
	refs := e.refs
	r.mu.Unlock()
	if refs != 2 {
		t.Fatalf("refs = %d, want 2", refs)
	}

	h1.Close()
	r.mu.Lock()
	_, stillTracked := r.entries[registryKey(symbol)]
	r.mu.Unlock()
	if !stillTracked {
		t.Fatal("entry should survive while a second subscriber still holds a handle")
	}

	h2.Close()
	r.mu.Lock()
	_, tracked := r.entries[registryKey(symbol)]
	r.mu.Unlock()
	if tracked {
		t.Fatal("entry should be torn down once every subscriber has released")
	}
}

func TestRegistrySubscribeCancelledContextReleasesPartialRef(t *testing.T) {
	r := NewRegistry(slog.Default())
	symbol := model.NewSymbol("eth", "usdt")
	// never sends a snapshot, so Subscribe blocks until ctx is cancelled.
	adapter := &fakeSyncAdapter{caps: exchange.Capabilities{CanStreamDepthSnapshot: true}, depthCh: make(chan model.DepthEvent)}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Subscribe(ctx, adapter, symbol)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Subscribe to return an error once ctx is cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after ctx cancellation")
	}

	r.mu.Lock()
	_, tracked := r.entries[registryKey(symbol)]
	r.mu.Unlock()
	if tracked {
		t.Fatal("entry should have been released after the only subscriber's ctx was cancelled")
	}
}
