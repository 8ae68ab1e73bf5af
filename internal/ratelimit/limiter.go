// Package ratelimit keeps one token bucket per endpoint category.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Category groups endpoints that share a provider budget.
type Category string

const (
	CategoryQuote      Category = "quote"
	CategoryHistorical Category = "historical"
	CategoryOrders     Category = "orders"
	CategoryStandard   Category = "standard"
)

// Budget permits Capacity calls per Interval.
type Budget struct {
	Capacity int           `json:"capacity"`
	Interval time.Duration `json:"interval"`
}

// valid rejects budgets whose spacing rounds down to zero, which rate.Every
// would turn into an unlimited bucket.
func (b Budget) valid() bool {
	return b.Capacity > 0 && b.Interval > 0 && b.spacing() > 0
}

// spacing is the minimum distance between two admissions.
func (b Budget) spacing() time.Duration {
	return b.Interval / time.Duration(b.Capacity)
}

func (b Budget) String() string {
	return fmt.Sprintf("%d/%s", b.Capacity, b.Interval)
}

// DefaultBudgets mirrors the provider's published limits.
func DefaultBudgets() map[Category]Budget {
	return map[Category]Budget{
		CategoryQuote:      {Capacity: 1, Interval: time.Second},
		CategoryHistorical: {Capacity: 3, Interval: time.Second},
		CategoryOrders:     {Capacity: 10, Interval: time.Second},
		CategoryStandard:   {Capacity: 10, Interval: time.Second},
	}
}

// Stats is a point-in-time view of one bucket.
type Stats struct {
	Budget   Budget        `json:"budget"`
	Admitted int64         `json:"admitted"`
	Waited   time.Duration `json:"waited"`
}

type bucket struct {
	budget   Budget
	limiter  *rate.Limiter
	admitted atomic.Int64
	waited   atomic.Int64
}

func newBucket(b Budget) *bucket {
	// Burst 1 spaces admissions evenly, so any window of b.Interval sees at
	// most b.Capacity calls.
	return &bucket{
		budget:  b,
		limiter: rate.NewLimiter(rate.Every(b.spacing()), 1),
	}
}

// Limiter is safe for concurrent use. Categories without a configured budget
// get their own bucket using the slowest configured budget.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[Category]*bucket
	fallback Budget
	enabled  bool
}

type Option func(*Limiter)

// WithEnabled(false) turns Wait into a context check only.
func WithEnabled(enabled bool) Option {
	return func(l *Limiter) { l.enabled = enabled }
}

// New builds a limiter; invalid budgets are replaced by the defaults.
func New(budgets map[Category]Budget, opts ...Option) *Limiter {
	merged := DefaultBudgets()
	for cat, b := range budgets {
		cat = normalize(cat)
		if cat == "" || !b.valid() {
			continue
		}
		merged[cat] = b
	}
	l := &Limiter{
		buckets: make(map[Category]*bucket, len(merged)),
		enabled: true,
	}
	for cat, b := range merged {
		l.buckets[cat] = newBucket(b)
		if !l.fallback.valid() || b.spacing() > l.fallback.spacing() {
			l.fallback = b
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func normalize(cat Category) Category {
	return Category(strings.ToLower(strings.TrimSpace(string(cat))))
}

func (l *Limiter) bucketFor(cat Category) *bucket {
	cat = normalize(cat)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[cat]
	if !ok {
		b = newBucket(l.fallback)
		l.buckets[cat] = b
	}
	return b
}

// Wait blocks until cat admits one more call. It only fails when ctx is done
// first (or would be done before the permit arrives).
func (l *Limiter) Wait(ctx context.Context, cat Category) error {
	if !l.enabled {
		return ctx.Err()
	}
	b := l.bucketFor(cat)
	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rate limiter %s: %w", normalize(cat), ctxErr)
		}
		// x/time/rate refuses early when the permit lands past the deadline.
		return fmt.Errorf("rate limiter %s: %v: %w", normalize(cat), err, context.DeadlineExceeded)
	}
	b.admitted.Add(1)
	b.waited.Add(int64(time.Since(start)))
	return nil
}

// Budget returns the budget applied to cat.
func (l *Limiter) Budget(cat Category) Budget {
	return l.bucketFor(cat).budget
}

// Stats snapshots every known bucket.
func (l *Limiter) Stats() map[Category]Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Category]Stats, len(l.buckets))
	for cat, b := range l.buckets {
		out[cat] = Stats{
			Budget:   b.budget,
			Admitted: b.admitted.Load(),
			Waited:   time.Duration(b.waited.Load()),
		}
	}
	return out
}
