package strategy

import (
	"context"
	"testing"
	"time"
)

func TestSlotBarrierAwaitReturnsOnceAllSlotsArrive(t *testing.T) {
	b := NewSlotBarrier()
	b.AddSlot("A")
	b.AddSlot("B")

	done := make(chan error, 1)
	go func() {
		done <- b.Await(context.Background())
	}()

	b.Arrive("A")
	b.Arrive("B")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Await returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Await did not return after every slot arrived")
	}
}

func TestSlotBarrierAwaitBlocksUntilEverySlotArrives(t *testing.T) {
	b := NewSlotBarrier()
	b.AddSlot("A")
	b.AddSlot("B")
	b.Arrive("A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Await(ctx); err == nil {
		t.Fatalf("Await returned nil before B arrived, want a context deadline error")
	}
}

func TestSlotBarrierRemoveSlotCanCompleteTheRound(t *testing.T) {
	b := NewSlotBarrier()
	b.AddSlot("A")
	b.AddSlot("B")
	b.Arrive("A")
	b.RemoveSlot("B")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Await(ctx); err != nil {
		t.Fatalf("Await after removing the only outstanding slot returned %v, want nil", err)
	}
}

func TestSlotBarrierReleaseArmsFreshRound(t *testing.T) {
	b := NewSlotBarrier()
	ch := b.AddSlot("A")
	b.Arrive("A")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Await(ctx); err != nil {
		t.Fatalf("first round Await returned %v, want nil", err)
	}

	b.Release()

	select {
	case <-ch:
	default:
		t.Fatalf("Release did not signal the slot's release channel")
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	if err := b.Await(shortCtx); err == nil {
		t.Fatalf("Await returned nil for a fresh round before any arrival, want a context deadline error")
	}
}

func TestSlotBarrierArriveIgnoresUnknownSymbol(t *testing.T) {
	b := NewSlotBarrier()
	b.AddSlot("A")
	b.Arrive("unregistered")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Await(ctx); err == nil {
		t.Fatalf("Await returned nil after an unregistered Arrive, want a context deadline error")
	}
}
