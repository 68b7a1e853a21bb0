package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker(cfg CircuitConfig) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker("test", cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := testBreaker(CircuitConfig{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		b.Record(false)
		if !b.Allow() {
			t.Fatalf("expected Allow before threshold, failure %d", i+1)
		}
	}

	b.Record(false) // third consecutive failure
	if b.State() != Open {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow to reject while OPEN")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(CircuitConfig{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: time.Minute})

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)

	if b.State() != Closed {
		t.Errorf("expected CLOSED, non-consecutive failures must not trip, got %s", b.State())
	}
	if b.FailureCount() != 2 {
		t.Errorf("expected failure count 2, got %d", b.FailureCount())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b, now := testBreaker(CircuitConfig{
		FailureThreshold: 2, SuccessThreshold: 2,
		RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 3,
	})

	b.Record(false)
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// Still cooling down.
	*now = now.Add(29 * time.Second)
	if b.Allow() {
		t.Fatal("expected rejection before recovery timeout")
	}

	// Cooldown elapsed: first call transitions to HALF_OPEN.
	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected trial call after recovery timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	// Two consecutive successes close the circuit.
	b.Record(true)
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after one success, got %s", b.State())
	}
	b.Record(true)
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after success threshold, got %s", b.State())
	}
	if b.FailureCount() != 0 {
		t.Errorf("expected failure count reset, got %d", b.FailureCount())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(CircuitConfig{
		FailureThreshold: 2, SuccessThreshold: 2, RecoveryTimeout: time.Second,
	})

	b.Record(false)
	b.Record(false)
	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected trial call")
	}

	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected immediate reopen on half-open failure, got %s", b.State())
	}
}

func TestBreakerHalfOpenBoundsTrialCalls(t *testing.T) {
	b, now := testBreaker(CircuitConfig{
		FailureThreshold: 1, SuccessThreshold: 5,
		RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2,
	})

	b.Record(false)
	*now = now.Add(2 * time.Second)

	if !b.Allow() {
		t.Fatal("expected first trial call")
	}
	if !b.Allow() {
		t.Fatal("expected second trial call")
	}
	if b.Allow() {
		t.Error("expected third trial call rejected: half-open window exhausted")
	}
}

func TestBreakerWouldRejectDoesNotConsumeSlots(t *testing.T) {
	b, now := testBreaker(CircuitConfig{
		FailureThreshold: 1, SuccessThreshold: 1,
		RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1,
	})

	b.Record(false)
	if !b.WouldReject() {
		t.Error("expected WouldReject while cooling down")
	}
	if b.State() != Open {
		t.Error("WouldReject must not transition state")
	}

	*now = now.Add(2 * time.Second)
	if b.WouldReject() {
		t.Error("expected WouldReject false after cooldown")
	}
	if b.State() != Open {
		t.Error("WouldReject must not move to HALF_OPEN")
	}
	if !b.Allow() {
		t.Error("expected Allow to still grant the trial call")
	}
}

func TestBreakerExecute(t *testing.T) {
	b, _ := testBreaker(CircuitConfig{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	opErr := errors.New("boom")
	calls := 0

	// Three failures trip the circuit; the operation error passes through.
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, func(context.Context) error { calls++; return opErr })
		if !errors.Is(err, opErr) {
			t.Fatalf("expected operation error, got %v", err)
		}
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// Fourth call fast-fails without invoking the operation.
	err := b.Execute(ctx, func(context.Context) error { calls++; return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected wrapped operation not invoked while open, calls=%d", calls)
	}
}

func TestBreakerResetIsIdempotent(t *testing.T) {
	b, _ := testBreaker(CircuitConfig{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour})
	b.Record(false)
	if b.State() != Open {
		t.Fatal("setup: expected OPEN")
	}

	for i := 0; i < 2; i++ {
		b.Reset()
		if b.State() != Closed || b.FailureCount() != 0 {
			t.Errorf("reset %d: expected pristine CLOSED state", i+1)
		}
		if !b.Allow() {
			t.Errorf("reset %d: expected Allow after reset", i+1)
		}
	}
}
