package unsplash

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// quotaTracker enforces the per-hour request budget.
//
// Two mechanisms cooperate:
//   - a token-bucket limiter paces calls evenly across the window, so a run
//     never burns the whole budget in the first minute
//   - a remaining counter, refreshed from X-Ratelimit-Remaining response
//     headers when present, hard-stops calls once the budget is spent and
//     suspends the caller until the tracked window resets
//
// All time access goes through injected now/sleep so tests can drive the
// window with a fake clock. The limiter is always consulted with explicit
// timestamps for the same reason.
type quotaTracker struct {
	perHour int
	window  time.Duration

	limiter *rate.Limiter

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu          sync.Mutex
	remaining   int
	windowStart time.Time
}

func newQuotaTracker(perHour int, now func() time.Time, sleep func(context.Context, time.Duration) error) *quotaTracker {
	window := time.Hour
	lim := rate.NewLimiter(rate.Limit(float64(perHour)/window.Seconds()), 1)

	return &quotaTracker{
		perHour:     perHour,
		window:      window,
		limiter:     lim,
		now:         now,
		sleep:       sleep,
		remaining:   perHour,
		windowStart: now(),
	}
}

// acquire blocks until one request may be issued. It returns an error only if
// ctx is canceled while waiting.
func (q *quotaTracker) acquire(ctx context.Context) error {
	q.mu.Lock()
	now := q.now()

	if now.Sub(q.windowStart) >= q.window {
		q.remaining = q.perHour
		q.windowStart = now
	}

	if q.remaining <= 0 {
		wait := q.window - now.Sub(q.windowStart)
		q.mu.Unlock()

		log.Printf("unsplash: quota exhausted, suspending %s until window reset", wait.Truncate(time.Second))
		if err := q.sleep(ctx, wait); err != nil {
			return err
		}

		q.mu.Lock()
		q.remaining = q.perHour
		q.windowStart = q.now()
	}

	q.remaining--
	q.mu.Unlock()

	// Even pacing across the window. ReserveN with an explicit timestamp keeps
	// the limiter usable under a fake clock.
	r := q.limiter.ReserveN(q.now(), 1)
	if d := r.DelayFrom(q.now()); d > 0 {
		return q.sleep(ctx, d)
	}
	return nil
}

// observeRemaining records the server's own view of the remaining budget.
// The server value wins over local bookkeeping; it accounts for other clients
// sharing the same key.
func (q *quotaTracker) observeRemaining(remaining int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if remaining < q.remaining {
		q.remaining = remaining
	}
	if remaining <= 10 {
		log.Printf("unsplash: low remaining quota: %d", remaining)
	}
}

// remainingBudget reports the currently tracked remaining call budget.
func (q *quotaTracker) remainingBudget() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}
