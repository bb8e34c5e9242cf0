package unsplash

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the tracker without real waiting: sleeps advance the clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
	sleepE error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sleepE != nil {
		return f.sleepE
	}
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeClock) totalSlept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total time.Duration
	for _, d := range f.slept {
		total += d
	}
	return total
}

func TestQuotaSuspendsWhenExhausted(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newQuotaTracker(3, clk.Now, clk.Sleep)
	ctx := context.Background()

	// Spread calls inside the hour; pacing sleeps advance the fake clock.
	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Minute)
		if err := q.acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if got := q.remainingBudget(); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}

	// Budget spent: the next acquire must suspend until the window resets.
	before := len(clk.slept)
	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire after exhaustion: %v", err)
	}
	if len(clk.slept) == before {
		t.Fatal("expected a suspension sleep after budget exhaustion")
	}
	if got := q.remainingBudget(); got != 2 {
		t.Errorf("remaining after reset = %d, want 2 (refilled minus the acquired call)", got)
	}
}

func TestQuotaWindowReset(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newQuotaTracker(2, clk.Now, clk.Sleep)
	ctx := context.Background()

	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := q.remainingBudget(); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}

	// A new hour refills the budget without sleeping.
	clk.Advance(61 * time.Minute)
	slept := clk.totalSlept()
	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire in new window: %v", err)
	}
	if got := q.remainingBudget(); got != 1 {
		t.Errorf("remaining in new window = %d, want 1", got)
	}
	// Pacing may add a small sleep; a full-window suspension would be ~1h.
	if extra := clk.totalSlept() - slept; extra > time.Minute {
		t.Errorf("unexpected long sleep after window reset: %s", extra)
	}
}

func TestQuotaObserveRemaining(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newQuotaTracker(100, clk.Now, clk.Sleep)

	// The server's lower value wins.
	q.observeRemaining(5)
	if got := q.remainingBudget(); got != 5 {
		t.Errorf("remaining = %d, want 5", got)
	}

	// A higher server value never raises the local count.
	q.observeRemaining(50)
	if got := q.remainingBudget(); got != 5 {
		t.Errorf("remaining = %d, want 5 (server value may only lower)", got)
	}
}

func TestQuotaPacesCalls(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newQuotaTracker(3600, clk.Now, clk.Sleep) // one call per second
	ctx := context.Background()

	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The second back-to-back call must have been paced by roughly the
	// per-call interval.
	if got := clk.totalSlept(); got < 500*time.Millisecond {
		t.Errorf("total paced sleep = %s, want at least 500ms", got)
	}
}

func TestQuotaAcquireCanceled(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	clk.sleepE = context.Canceled
	q := newQuotaTracker(1, clk.Now, clk.Sleep)
	ctx := context.Background()

	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Exhausted: the suspension sleep reports cancellation.
	if err := q.acquire(ctx); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
