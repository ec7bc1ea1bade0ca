package strategy

import (
	"context"
	"sync"

	"algotrader/model"
)

// SlotBarrier is a reusable, symbol-keyed barrier: each tracked symbol's
// candle task calls Arrive once per interval after producing its advice;
// the supervisor's Await blocks until every current slot has arrived, then
// Release lets every task proceed to the next candle. Grounded on the
// teacher's engine.go slots map (mutex-guarded, start/stop under lock),
// generalized from a map of long-lived goroutines into a per-tick
// rendezvous point (§4.6 main loop step 5).
type SlotBarrier struct {
	mu         sync.Mutex
	release    map[model.Symbol]chan struct{}
	arrived    map[model.Symbol]bool
	done       chan struct{}
	doneClosed bool
}

// NewSlotBarrier constructs an empty barrier; slots are added with AddSlot.
func NewSlotBarrier() *SlotBarrier {
	return &SlotBarrier{
		release: make(map[model.Symbol]chan struct{}),
		arrived: make(map[model.Symbol]bool),
		done:    make(chan struct{}),
	}
}

// AddSlot registers a new symbol and returns its release channel, which the
// symbol's candle task selects on to know when to proceed to the next tick.
func (b *SlotBarrier) AddSlot(symbol model.Symbol) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	b.release[symbol] = ch
	b.arrived[symbol] = false
	return ch
}

// RemoveSlot drops a symbol from the barrier, used when Multi repicks it out.
func (b *SlotBarrier) RemoveSlot(symbol model.Symbol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.release, symbol)
	delete(b.arrived, symbol)
	b.closeDoneIfAllArrivedLocked()
}

// Arrive marks symbol as having produced its advice for the current tick.
func (b *SlotBarrier) Arrive(symbol model.Symbol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.arrived[symbol]; !ok {
		return
	}
	b.arrived[symbol] = true
	b.closeDoneIfAllArrivedLocked()
}

func (b *SlotBarrier) closeDoneIfAllArrivedLocked() {
	if b.doneClosed {
		return
	}
	for _, v := range b.arrived {
		if !v {
			return
		}
	}
	close(b.done)
	b.doneClosed = true
}

// Await blocks until every current slot has arrived, or ctx is cancelled.
func (b *SlotBarrier) Await(ctx context.Context) error {
	select {
	case <-b.DoneCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoneCh returns the channel that closes once every current slot has
// arrived for the round. The channel is replaced on Release, so callers
// should re-fetch it each round rather than caching it (Multi's supervisor
// loop does this naturally via the select).
func (b *SlotBarrier) DoneCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Release resets every slot's arrived flag, arms a fresh done channel for
// the next round, and wakes every slot's candle task (non-blocking: a task
// that hasn't yet reached its wait point will see a buffered signal).
func (b *SlotBarrier) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for symbol := range b.arrived {
		b.arrived[symbol] = false
	}
	b.done = make(chan struct{})
	b.doneClosed = false
	for _, ch := range b.release {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
