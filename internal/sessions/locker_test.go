package sessions

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	if err := locker.Lock(ctx, "ws-1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := locker.Lock(ctx, "ws-1"); err != nil {
			t.Errorf("second Lock: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was still held")
	case <-time.After(50 * time.Millisecond):
	}

	locker.Unlock("ws-1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock did not acquire after Unlock")
	}
	locker.Unlock("ws-1")
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	if err := locker.Lock(ctx, "ws-1"); err != nil {
		t.Fatalf("Lock ws-1: %v", err)
	}
	if err := locker.Lock(ctx, "ws-2"); err != nil {
		t.Fatalf("Lock ws-2 should not block on ws-1: %v", err)
	}
	locker.Unlock("ws-1")
	locker.Unlock("ws-2")
}

func TestLockTimesOut(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	if err := locker.Lock(ctx, "ws-1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := locker.Lock(ctx, "ws-1"); err != ErrLockTimeout {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestLockHonorsContextCancellation(t *testing.T) {
	locker := NewLocalLocker(time.Minute)
	ctx := context.Background()

	if err := locker.Lock(ctx, "ws-1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := locker.Lock(cancelCtx, "ws-1"); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnlockUnheldKeyIsNoop(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	locker.Unlock("never-locked")
	if err := locker.Lock(context.Background(), "never-locked"); err != nil {
		t.Fatalf("Lock after spurious Unlock: %v", err)
	}
}
