package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"algotrader/exchange"
	"algotrader/model"
)

// Handle is a subscriber's lease on a shared (exchange, symbol) book. Closing
// it decrements the refcount; the background sync task tears down once the
// last handle is released.
type Handle struct {
	book     *Book
	reg      *Registry
	key      string
	released sync.Once
}

// Book returns the shared book instance.
func (h *Handle) Book() *Book { return h.book }

// Close releases this subscriber's reference.
func (h *Handle) Close() {
	h.released.Do(func() {
		h.reg.release(h.key)
	})
}

type entry struct {
	book     *Book
	refs     int
	cancel   context.CancelFunc
	readyCh  chan struct{}
	readyOne sync.Once
}

// Registry tracks one entry per (exchange, symbol) key and the background
// sync task's lifecycle, shared across all subscribers of that key.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty book registry for one exchange adapter.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "orderbook.registry"),
	}
}

func registryKey(symbol model.Symbol) string { return string(symbol) }

// Subscribe returns a Handle to the shared book for symbol, starting the
// background sync task if this is the first subscriber, or joining an
// in-progress one. It blocks until initial sync completes.
func (r *Registry) Subscribe(ctx context.Context, adapter exchange.Adapter, symbol model.Symbol) (*Handle, error) {
	key := registryKey(symbol)

	r.mu.Lock()
	e, exists := r.entries[key]
	if !exists {
		syncCtx, cancel := context.WithCancel(context.Background())
		e = &entry{
			book:    newBook(symbol),
			cancel:  cancel,
			readyCh: make(chan struct{}),
		}
		r.entries[key] = e
		go r.runSync(syncCtx, adapter, symbol, e)
	}
	e.refs++
	r.mu.Unlock()

	select {
	case <-e.readyCh:
	case <-ctx.Done():
		r.release(key)
		return nil, ctx.Err()
	}

	return &Handle{book: e.book, reg: r, key: key}, nil
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.cancel()
		delete(r.entries, key)
	}
}

func (r *Registry) markReady(e *entry) {
	e.readyOne.Do(func() { close(e.readyCh) })
}

// runSync implements the §4.2 state machine: subscribe (buffering), snapshot,
// discard-stale, gap-check the first accepted update, apply in order with
// strict sequence continuity, restart on any violation or exchange exception.
func (r *Registry) runSync(ctx context.Context, adapter exchange.Adapter, symbol model.Symbol, e *entry) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.syncOnce(ctx, adapter, symbol, e); err != nil {
			r.logger.Warn("orderbook sync restarting", "symbol", symbol, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

// syncOnce runs one attempt of the state machine until a terminal restart
// condition (gap, exchange exception, or ctx cancellation) is hit.
func (r *Registry) syncOnce(ctx context.Context, adapter exchange.Adapter, symbol model.Symbol, e *entry) error {
	updates, err := adapter.ConnectStreamDepth(ctx, symbol)
	if err != nil {
		return fmt.Errorf("connect depth stream: %w", err)
	}

	var buffered []model.Update
	var snapshotLastID uint64
	haveSnapshot := false

	if adapter.Capabilities().CanStreamDepthSnapshot {
		select {
		case ev, ok := <-updates:
			if !ok {
				return fmt.Errorf("depth stream closed before snapshot")
			}
			if ev.Kind != model.DepthEventSnapshot {
				return fmt.Errorf("expected snapshot as first message, got update")
			}
			e.book.loadSnapshot(ev.Snapshot)
			snapshotLastID = ev.Snapshot.LastUpdateID
			haveSnapshot = true
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		// buffer updates while fetching the REST snapshot concurrently
		bufferDone := make(chan struct{})
		go func() {
			defer close(bufferDone)
			timeout := time.After(2 * time.Second)
			for {
				select {
				case ev, ok := <-updates:
					if !ok {
						return
					}
					if ev.Kind == model.DepthEventUpdate {
						buffered = append(buffered, ev.Update)
					}
				case <-timeout:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		snap, err := adapter.GetDepth(ctx, symbol)
		if err != nil {
			return fmt.Errorf("get depth snapshot: %w", err)
		}
		<-bufferDone
		e.book.loadSnapshot(snap)
		snapshotLastID = snap.LastUpdateID
		haveSnapshot = true
	}
	if !haveSnapshot {
		return fmt.Errorf("sync: no snapshot acquired")
	}

	// discard updates with LastUpdateID <= S
	kept := buffered[:0]
	for _, u := range buffered {
		if u.LastUpdateID > snapshotLastID {
			kept = append(kept, u)
		}
	}
	buffered = kept

	var lastApplied uint64
	firstApplied := false
	for _, u := range buffered {
		if !firstApplied {
			if u.FirstUpdateID > snapshotLastID+1 || u.LastUpdateID < snapshotLastID+1 {
				return fmt.Errorf("gap at initial update: first=%d last=%d snapshot=%d", u.FirstUpdateID, u.LastUpdateID, snapshotLastID)
			}
			firstApplied = true
		} else if u.FirstUpdateID != lastApplied+1 {
			return fmt.Errorf("sequence gap: expected first=%d got=%d", lastApplied+1, u.FirstUpdateID)
		}
		e.book.applyUpdate(u)
		lastApplied = u.LastUpdateID
	}
	e.book.notifyUpdated()
	r.markReady(e)

	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return fmt.Errorf("depth stream closed")
			}
			if ev.Kind != model.DepthEventUpdate {
				continue
			}
			u := ev.Update
			if !firstApplied && u.LastUpdateID <= snapshotLastID {
				continue // already covered by the snapshot
			}
			if !firstApplied {
				if u.FirstUpdateID > snapshotLastID+1 || u.LastUpdateID < snapshotLastID+1 {
					return fmt.Errorf("gap at initial update: first=%d last=%d snapshot=%d", u.FirstUpdateID, u.LastUpdateID, snapshotLastID)
				}
				firstApplied = true
			} else if u.FirstUpdateID != lastApplied+1 {
				return fmt.Errorf("sequence gap: expected first=%d got=%d", lastApplied+1, u.FirstUpdateID)
			}
			e.book.applyUpdate(u)
			lastApplied = u.LastUpdateID
			e.book.notifyUpdated()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
