package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"histfetch/internal/apierr"
	"histfetch/internal/cache"
	"histfetch/internal/market"
	"histfetch/internal/planner"
	"histfetch/internal/ratelimit"
	"histfetch/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var end = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fixture struct {
	limiter *ratelimit.Limiter
	cache   *cache.Cache[[]market.Candle]
	spans   planner.SpanTable
	retry   *retry.Executor
	flight  time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := cache.New[[]market.Candle](128, time.Minute)
	require.NoError(t, err)
	return &fixture{
		limiter: ratelimit.New(map[ratelimit.Category]ratelimit.Budget{
			ratelimit.CategoryHistorical: {Capacity: 1000, Interval: time.Second},
		}),
		cache: c,
		retry: retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
			retry.WithSleeper(noSleep)),
	}
}

func (f *fixture) engine(t *testing.T, tr Transport) *Engine {
	t.Helper()
	e, err := New(tr, Config{
		Planner:       planner.New(f.spans),
		Limiter:       f.limiter,
		Retry:         f.retry,
		Cache:         f.cache,
		FlightTimeout: f.flight,
	})
	require.NoError(t, err)
	return e
}

// daily builds one candle per step in [from, to], skipping anything before
// listed.
func daily(from, to, listed time.Time, step time.Duration) []market.Candle {
	var out []market.Candle
	for ts := from; !ts.After(to); ts = ts.Add(step) {
		if ts.Before(listed) {
			continue
		}
		out = append(out, market.Candle{Time: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10})
	}
	return out
}

// historyTransport serves a synthetic instrument listed at `listed`, with one
// candle every `step`, and records every call.
type historyTransport struct {
	listed time.Time
	step   time.Duration
	delay  time.Duration

	mu    sync.Mutex
	calls []market.Chunk
}

func (h *historyTransport) Call(ctx context.Context, chunk market.Chunk) ([]market.Candle, error) {
	h.mu.Lock()
	h.calls = append(h.calls, chunk)
	h.mu.Unlock()
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	first := chunk.From.Truncate(h.step)
	if first.Before(chunk.From) {
		first = first.Add(h.step)
	}
	return daily(first, chunk.To, h.listed, h.step), nil
}

func (h *historyTransport) Calls() []market.Chunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]market.Chunk, len(h.calls))
	copy(out, h.calls)
	return out
}

func assertSeriesValid(t *testing.T, s market.Series) {
	t.Helper()
	for i := 1; i < len(s); i++ {
		assert.True(t, s[i-1].Time.Before(s[i].Time), "series not strictly increasing at %d", i)
	}
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Call(_ context.Context, chunk market.Chunk) ([]market.Candle, error) {
	args := m.Called(chunk.Index)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Candle), args.Error(1)
}

func TestFetchStopsEarlyOnShortHistory(t *testing.T) {
	f := newFixture(t)
	tr := &historyTransport{listed: end.Add(-130 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)
	req := market.Request{
		Instrument: "738561",
		From:       end.Add(-400 * 24 * time.Hour),
		To:         end,
		Interval:   market.Minute,
	}

	res, err := e.Fetch(context.Background(), req, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEarlyStop, res.Outcome)
	assert.Equal(t, 7, res.ChunksPlanned)

	calls := tr.Calls()
	require.Len(t, calls, 4, "three chunks with data plus the empty one")
	for i, c := range calls {
		assert.Equal(t, i, c.Index, "chunks issued newest first, one at a time")
	}
	assert.Equal(t, 4, res.ChunksFetched)
	assert.Len(t, res.Series, 131)
	assertSeriesValid(t, res.Series)
	first, _ := res.Series.First()
	assert.True(t, first.Time.Equal(tr.listed))
	assert.NotEmpty(t, res.ID)
}

func TestFetchDailyRangeIsOneCall(t *testing.T) {
	f := newFixture(t)
	f.spans = planner.SpanTable{market.Day: 3650 * 24 * time.Hour}
	tr := &historyTransport{listed: end.Add(-5000 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)

	req := market.Request{Instrument: "256265", From: end.Add(-9 * 24 * time.Hour), To: end, Interval: market.Day}
	res, err := e.Fetch(context.Background(), req, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Len(t, tr.Calls(), 1)
	assert.Len(t, res.Series, 10)
}

func TestFetchMergesProviderBoundaryOverlap(t *testing.T) {
	f := newFixture(t)
	f.spans = planner.SpanTable{market.Day: 10 * 24 * time.Hour}
	tr := TransportFunc(func(_ context.Context, c market.Chunk) ([]market.Candle, error) {
		// Provider echoes one extra bar on each side of the range.
		return daily(c.From.Add(-24*time.Hour), c.To.Add(24*time.Hour), time.Time{}, 24*time.Hour), nil
	})
	e := f.engine(t, tr)

	req := market.Request{Instrument: "1", From: end.Add(-29 * 24 * time.Hour), To: end, Interval: market.Day}
	res, err := e.Fetch(context.Background(), req, Options{})
	require.NoError(t, err)
	assertSeriesValid(t, res.Series)
	// 30 requested days plus the two echoed outer bars.
	assert.Len(t, res.Series, 32)
}

func threeChunkRequest(f *fixture) market.Request {
	f.spans = planner.SpanTable{market.Day: 10 * 24 * time.Hour}
	return market.Request{Instrument: "1", From: end.Add(-29 * 24 * time.Hour), To: end, Interval: market.Day}
}

func TestFetchStrictAbortsWithoutPartialSeries(t *testing.T) {
	f := newFixture(t)
	req := threeChunkRequest(f)
	tr := new(mockTransport)
	tr.On("Call", 0).Return(daily(end.Add(-9*24*time.Hour), end, time.Time{}, 24*time.Hour), nil).Once()
	tr.On("Call", 1).Return(nil, apierr.Client(400, "InputException: invalid token")).Once()
	e := f.engine(t, tr)

	res, err := e.Fetch(context.Background(), req, Options{})
	require.Error(t, err)
	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 1, chunkErr.Chunk.Index)
	assert.True(t, apierr.Is(err, apierr.KindClient))
	require.NotNil(t, res)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Empty(t, res.Series)
	tr.AssertExpectations(t)
	tr.AssertNotCalled(t, "Call", 2)
}

func TestFetchContinueOnErrorKeepsOtherChunks(t *testing.T) {
	f := newFixture(t)
	req := threeChunkRequest(f)
	chunks, err := planner.New(f.spans).Plan(req)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	tr := new(mockTransport)
	tr.On("Call", 0).Return(daily(chunks[0].From, chunks[0].To, time.Time{}, 24*time.Hour), nil).Once()
	tr.On("Call", 1).Return(nil, apierr.Client(400, "bad range")).Once()
	tr.On("Call", 2).Return(daily(chunks[2].From, chunks[2].To, time.Time{}, 24*time.Hour), nil).Once()
	e := f.engine(t, tr)

	res, err := e.Fetch(context.Background(), req, Options{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Len(t, res.Series, 20)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Chunk.Index)
	assert.True(t, apierr.Is(res.Err(), apierr.KindClient))
	assert.Len(t, res.ErrorMessages(), 1)
	assertSeriesValid(t, res.Series)
	tr.AssertExpectations(t)
}

func TestPartialWinsOverEarlyStop(t *testing.T) {
	f := newFixture(t)
	req := threeChunkRequest(f)
	tr := new(mockTransport)
	tr.On("Call", 0).Return(nil, apierr.Client(400, "bad range")).Once()
	tr.On("Call", 1).Return([]market.Candle{}, nil).Once()
	e := f.engine(t, tr)

	res, err := e.Fetch(context.Background(), req, Options{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Empty(t, res.Series)
	tr.AssertNotCalled(t, "Call", 2)
}

func TestFetchAuthErrorAbortsEvenWhenContinuing(t *testing.T) {
	f := newFixture(t)
	req := threeChunkRequest(f)
	tr := new(mockTransport)
	tr.On("Call", 0).Return(nil, apierr.Auth("TokenException: session expired")).Once()
	e := f.engine(t, tr)

	res, err := e.Fetch(context.Background(), req, Options{ContinueOnError: true})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuth))
	assert.Equal(t, OutcomeAborted, res.Outcome)
	tr.AssertNumberOfCalls(t, "Call", 1)
}

func TestFetchRetriesTransientAndChargesEveryAttempt(t *testing.T) {
	f := newFixture(t)
	f.spans = planner.SpanTable{market.Day: 100 * 24 * time.Hour}
	var calls atomic.Int32
	tr := TransportFunc(func(_ context.Context, c market.Chunk) ([]market.Candle, error) {
		if calls.Add(1) < 3 {
			return nil, apierr.Server(502, "bad gateway")
		}
		return daily(c.From, c.To, time.Time{}, 24*time.Hour), nil
	})
	e := f.engine(t, tr)

	req := market.Request{Instrument: "1", From: end.Add(-4 * 24 * time.Hour), To: end, Interval: market.Day}
	res, err := e.Fetch(context.Background(), req, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Series, 5)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), f.limiter.Stats()[ratelimit.CategoryHistorical].Admitted)
}

func TestFetchRetryExhaustionIsAChunkFailure(t *testing.T) {
	f := newFixture(t)
	req := threeChunkRequest(f)
	tr := new(mockTransport)
	tr.On("Call", 0).Return(nil, apierr.Transport(errors.New("connection reset")))
	e := f.engine(t, tr)

	_, err := e.Fetch(context.Background(), req, Options{})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindTransport))
	tr.AssertNumberOfCalls(t, "Call", 3)
}

func TestSecondFetchIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	tr := &historyTransport{listed: end.Add(-1000 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)
	req := market.Request{Instrument: "1", From: end.Add(-200 * 24 * time.Hour), To: end, Interval: market.Minute}

	first, err := e.Fetch(context.Background(), req, Options{UseCache: true})
	require.NoError(t, err)
	callsAfterFirst := len(tr.Calls())
	assert.Equal(t, first.ChunksPlanned, callsAfterFirst)

	second, err := e.Fetch(context.Background(), req, Options{UseCache: true})
	require.NoError(t, err)
	assert.Len(t, tr.Calls(), callsAfterFirst, "no new transport calls")
	assert.Equal(t, first.Series, second.Series)
	assert.Equal(t, second.ChunksPlanned, second.CacheHits)
	assert.Zero(t, second.ChunksFetched)
}

func TestCachedEmptyChunkStillStopsEarly(t *testing.T) {
	f := newFixture(t)
	tr := &historyTransport{listed: end.Add(-130 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)
	req := market.Request{Instrument: "1", From: end.Add(-400 * 24 * time.Hour), To: end, Interval: market.Minute}

	first, err := e.Fetch(context.Background(), req, Options{UseCache: true})
	require.NoError(t, err)
	require.Len(t, tr.Calls(), 4)

	second, err := e.Fetch(context.Background(), req, Options{UseCache: true})
	require.NoError(t, err)
	assert.Len(t, tr.Calls(), 4)
	assert.Equal(t, OutcomeEarlyStop, second.Outcome)
	assert.Equal(t, first.Series, second.Series)
	assert.Equal(t, 4, second.CacheHits)
}

func TestCacheBypassWhenDisabled(t *testing.T) {
	f := newFixture(t)
	tr := &historyTransport{listed: end.Add(-1000 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)
	req := market.Request{Instrument: "1", From: end.Add(-10 * 24 * time.Hour), To: end, Interval: market.Day}

	for i := 0; i < 2; i++ {
		_, err := e.Fetch(context.Background(), req, Options{})
		require.NoError(t, err)
	}
	assert.Len(t, tr.Calls(), 2)
	assert.Zero(t, f.cache.Len())
}

func TestConcurrentIdenticalFetchesShareCalls(t *testing.T) {
	f := newFixture(t)
	tr := &historyTransport{listed: end.Add(-1000 * 24 * time.Hour), step: 24 * time.Hour, delay: 30 * time.Millisecond}
	e := f.engine(t, tr)
	req := market.Request{Instrument: "1", From: end.Add(-150 * 24 * time.Hour), To: end, Interval: market.Minute}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Fetch(context.Background(), req, Options{UseCache: true})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	calls := tr.Calls()
	assert.Len(t, calls, results[0].ChunksPlanned, "each chunk fetched once across both fetches")
	seen := make(map[int]bool)
	for _, c := range calls {
		assert.False(t, seen[c.Index], "chunk %d fetched twice", c.Index)
		seen[c.Index] = true
	}
	assert.Equal(t, results[0].Series, results[1].Series)
	assert.Equal(t, results[0].ChunksPlanned, results[0].ChunksFetched+results[0].CacheHits)
	assert.Equal(t, results[0].ChunksPlanned, results[0].CacheHits+results[1].CacheHits)
}

func TestCancellationReturnsPartialSeries(t *testing.T) {
	f := newFixture(t)
	f.spans = planner.SpanTable{market.Day: 10 * 24 * time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, c market.Chunk) ([]market.Candle, error) {
		if calls.Add(1) == 1 {
			return daily(c.From, c.To, time.Time{}, 24*time.Hour), nil
		}
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := f.engine(t, tr)
	req := market.Request{Instrument: "1", From: end.Add(-29 * 24 * time.Hour), To: end, Interval: market.Day}

	res, err := e.Fetch(ctx, req, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Len(t, res.Series, 10)
	assert.Equal(t, int32(2), calls.Load(), "no chunk issued after cancellation")
}

func TestPermitPastDeadlineIsCancellation(t *testing.T) {
	f := newFixture(t)
	f.limiter = ratelimit.New(map[ratelimit.Category]ratelimit.Budget{
		ratelimit.CategoryHistorical: {Capacity: 1, Interval: 10 * time.Second},
	})
	req := threeChunkRequest(f)
	tr := &historyTransport{listed: end.Add(-1000 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	res, err := e.Fetch(ctx, req, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var chunkErr *ChunkError
	assert.False(t, errors.As(err, &chunkErr), "not a chunk failure")
	require.NotNil(t, res)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Len(t, res.Series, 10, "first chunk kept")
	assert.Empty(t, res.Errors)
	assert.Len(t, tr.Calls(), 1)
	assert.Less(t, time.Since(start), time.Second, "refused without waiting for the deadline")
}

func TestSharedCallIsBoundedAfterCallerLeaves(t *testing.T) {
	f := newFixture(t)
	f.flight = 50 * time.Millisecond
	released := make(chan error, 1)
	tr := TransportFunc(func(ctx context.Context, _ market.Chunk) ([]market.Candle, error) {
		<-ctx.Done()
		released <- ctx.Err()
		return nil, ctx.Err()
	})
	e := f.engine(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req := market.Request{Instrument: "1", From: end, To: end, Interval: market.Day}
	res, err := e.Fetch(ctx, req, Options{UseCache: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeCancelled, res.Outcome)

	select {
	case err := <-released:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("shared call still running after its timeout")
	}
	assert.Zero(t, f.cache.Len())
}

func TestTimeoutFromProviderIsAChunkFailure(t *testing.T) {
	f := newFixture(t)
	req := threeChunkRequest(f)
	tr := TransportFunc(func(context.Context, market.Chunk) ([]market.Candle, error) {
		return nil, apierr.Transport(context.DeadlineExceeded)
	})
	e := f.engine(t, tr)

	res, err := e.Fetch(context.Background(), req, Options{})
	require.Error(t, err)
	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, OutcomeAborted, res.Outcome)
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	tr := new(mockTransport)
	e := f.engine(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := market.Request{Instrument: "1", From: end.Add(-2 * 24 * time.Hour), To: end, Interval: market.Day}
	res, err := e.Fetch(ctx, req, Options{UseCache: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.NotNil(t, res.Series)
	tr.AssertNotCalled(t, "Call", mock.Anything)
}

func TestRetryAfterWaitDoesNotBlockOtherFetches(t *testing.T) {
	f := newFixture(t)
	f.retry = retry.New(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
	f.spans = planner.SpanTable{market.Day: 100 * 24 * time.Hour}

	var throttled atomic.Bool
	tr := TransportFunc(func(_ context.Context, c market.Chunk) ([]market.Candle, error) {
		if c.Instrument == "slow" && throttled.CompareAndSwap(false, true) {
			return nil, apierr.RateLimited(2*time.Second, "Too many requests")
		}
		return daily(c.From, c.To, time.Time{}, 24*time.Hour), nil
	})
	e := f.engine(t, tr)

	slowReq := market.Request{Instrument: "slow", From: end.Add(-5 * 24 * time.Hour), To: end, Interval: market.Day}
	fastReq := slowReq
	fastReq.Instrument = "fast"

	slowDone := make(chan time.Duration, 1)
	start := time.Now()
	go func() {
		_, err := e.Fetch(context.Background(), slowReq, Options{})
		assert.NoError(t, err)
		slowDone <- time.Since(start)
	}()
	time.Sleep(50 * time.Millisecond)

	fastStart := time.Now()
	res, err := e.Fetch(context.Background(), fastReq, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Series, 6)
	assert.Less(t, time.Since(fastStart), time.Second)

	elapsed := <-slowDone
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}

func TestFetchRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, new(mockTransport))
	res, err := e.Fetch(context.Background(), market.Request{Instrument: "1", From: end, To: end.Add(-time.Hour), Interval: market.Day}, Options{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPlanMatchesFetchOrder(t *testing.T) {
	f := newFixture(t)
	tr := &historyTransport{listed: end.Add(-1000 * 24 * time.Hour), step: 24 * time.Hour}
	e := f.engine(t, tr)
	req := market.Request{Instrument: "1", From: end.Add(-100 * 24 * time.Hour), To: end, Interval: market.FiveMinute}

	plan, err := e.Plan(req)
	require.NoError(t, err)
	_, err = e.Fetch(context.Background(), req, Options{})
	require.NoError(t, err)
	calls := tr.Calls()
	require.Len(t, calls, len(plan))
	for i := range plan {
		assert.True(t, plan[i].From.Equal(calls[i].From))
		assert.True(t, plan[i].To.Equal(calls[i].To))
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	e, err := New(new(mockTransport), Config{})
	require.NoError(t, err)
	assert.Equal(t, ratelimit.CategoryHistorical, e.category)
}
