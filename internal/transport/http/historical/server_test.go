package historicalhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"histfetch/internal/apierr"
	"histfetch/internal/engine"
	"histfetch/internal/market"
	"histfetch/internal/pkg/circuit"
	"histfetch/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Plan(req market.Request) ([]market.Chunk, error) {
	args := m.Called(req)
	chunks, _ := args.Get(0).([]market.Chunk)
	return chunks, args.Error(1)
}

func (m *mockService) Fetch(ctx context.Context, req market.Request, opts engine.Options) (*engine.Result, error) {
	args := m.Called(ctx, req, opts)
	res, _ := args.Get(0).(*engine.Result)
	return res, args.Error(1)
}

func (m *mockService) Save(ctx context.Context, res *engine.Result) (int, error) {
	args := m.Called(ctx, res)
	return args.Int(0), args.Error(1)
}

func (m *mockService) Stored(ctx context.Context, req market.Request) (market.Series, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(market.Series)
	return s, args.Error(1)
}

func (m *mockService) LimiterStats() map[ratelimit.Category]ratelimit.Stats {
	return m.Called().Get(0).(map[ratelimit.Category]ratelimit.Stats)
}

func (m *mockService) Breaker() (circuit.Snapshot, bool) {
	args := m.Called()
	return args.Get(0).(circuit.Snapshot), args.Bool(1)
}

func (m *mockService) DefaultOptions() engine.Options {
	return m.Called().Get(0).(engine.Options)
}

func newTestServer(t *testing.T, svc Service) http.Handler {
	t.Helper()
	srv, err := NewServer(Config{Svc: svc})
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

var (
	from = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to   = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
)

const historicalQuery = "/api/historical?instrument=256265&interval=day&from=2024-06-01&to=2024-06-10"

func dayRequest() market.Request {
	return market.Request{Instrument: "256265", From: from, To: to, Interval: market.Day}
}

// sameRequest compares instants rather than time.Time internals.
func sameRequest(want market.Request) any {
	return mock.MatchedBy(func(got market.Request) bool {
		return got.Instrument == want.Instrument && got.Interval == want.Interval &&
			got.From.Equal(want.From) && got.To.Equal(want.To) &&
			got.Continuous == want.Continuous && got.OI == want.OI
	})
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestServer(t, new(mockService)), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestHistoricalAppliesQueryOptions(t *testing.T) {
	svc := new(mockService)
	res := &engine.Result{ID: "r1", Request: dayRequest(), Series: market.Series{{Time: from, Close: 1}}, Outcome: engine.OutcomeComplete}
	svc.On("DefaultOptions").Return(engine.Options{UseCache: true})
	svc.On("Fetch", mock.Anything, sameRequest(dayRequest()), engine.Options{UseCache: false, ContinueOnError: true}).Return(res, nil).Once()
	svc.On("Save", mock.Anything, res).Return(1, nil).Once()

	rec, body := do(t, newTestServer(t, svc), historicalQuery+"&continue_on_error=true&use_cache=false&save=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["saved"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "r1", result["id"])
	assert.Equal(t, "complete", result["outcome"])
	svc.AssertExpectations(t)
}

func TestHistoricalReportsPartialErrors(t *testing.T) {
	svc := new(mockService)
	res := &engine.Result{
		ID:      "r2",
		Request: dayRequest(),
		Series:  market.Series{},
		Outcome: engine.OutcomeComplete,
		Errors:  []*engine.ChunkError{{Chunk: market.Chunk{Request: dayRequest()}, Err: apierr.Client(400, "bad")}},
	}
	svc.On("DefaultOptions").Return(engine.Options{ContinueOnError: true})
	svc.On("Fetch", mock.Anything, sameRequest(dayRequest()), mock.Anything).Return(res, nil)

	rec, body := do(t, newTestServer(t, svc), historicalQuery)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["errors"], 1)
	svc.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestHistoricalMapsErrorsToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&engine.ChunkError{Err: apierr.Auth("expired")}, http.StatusUnauthorized},
		{&engine.ChunkError{Err: apierr.Client(400, "bad")}, http.StatusUnprocessableEntity},
		{&engine.ChunkError{Err: apierr.RateLimited(0, "slow down")}, http.StatusTooManyRequests},
		{&engine.ChunkError{Err: apierr.Server(503, "down")}, http.StatusBadGateway},
		{fmt.Errorf("fetch x cancelled: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("fetch x cancelled: %w", context.Canceled), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			svc := new(mockService)
			svc.On("DefaultOptions").Return(engine.Options{})
			svc.On("Fetch", mock.Anything, mock.Anything, mock.Anything).
				Return(&engine.Result{ID: "x", Series: market.Series{}, Outcome: engine.OutcomeAborted}, tc.err)

			rec, body := do(t, newTestServer(t, svc), historicalQuery)
			assert.Equal(t, tc.code, rec.Code)
			assert.NotEmpty(t, body["error"])
			assert.Contains(t, body, "result")
		})
	}
}

func TestBadRequestsNeverReachService(t *testing.T) {
	svc := new(mockService)
	h := newTestServer(t, svc)
	for _, target := range []string{
		"/api/historical?interval=day&from=2024-06-01&to=2024-06-10",
		"/api/historical?instrument=1&interval=week&from=2024-06-01&to=2024-06-10",
		"/api/historical?instrument=1&from=2024-06-10&to=2024-06-01",
		"/api/historical?instrument=1&from=yesterday&to=2024-06-01",
		"/api/historical?instrument=1&from=2024-06-01&to=2024-06-10&tz=Mars/Olympus",
		"/api/plan?instrument=1&from=2024-06-01&to=2024-06-10&oi=maybe",
	} {
		rec, body := do(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.NotEmpty(t, body["error"], target)
	}
	svc.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "Plan", mock.Anything)
}

func TestPlanReturnsChunks(t *testing.T) {
	svc := new(mockService)
	req := dayRequest()
	svc.On("Plan", sameRequest(req)).Return([]market.Chunk{{Request: req}}, nil)

	rec, body := do(t, newTestServer(t, svc), "/api/plan?instrument=256265&from=2024-06-01&to=2024-06-10")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestDatesWithoutZoneUseServerLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	svc := new(mockService)
	req := market.Request{
		Instrument: "256265",
		From:       time.Date(2024, 6, 1, 0, 0, 0, 0, ist),
		To:         time.Date(2024, 6, 10, 0, 0, 0, 0, ist),
		Interval:   market.Day,
	}
	svc.On("Plan", sameRequest(req)).Return([]market.Chunk{{Request: req}}, nil).Once()

	srv, err := NewServer(Config{Svc: svc, Location: ist})
	require.NoError(t, err)
	rec, _ := do(t, srv.Handler(), "/api/plan?instrument=256265&from=2024-06-01&to=2024-06-10")
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestStoredUnavailable(t *testing.T) {
	svc := new(mockService)
	svc.On("Stored", mock.Anything, sameRequest(dayRequest())).Return(nil, errors.New("store is disabled"))

	rec, _ := do(t, newTestServer(t, svc), "/api/stored?instrument=256265&from=2024-06-01&to=2024-06-10")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStoredAsCSV(t *testing.T) {
	svc := new(mockService)
	svc.On("Stored", mock.Anything, sameRequest(dayRequest())).
		Return(market.Series{{Time: from, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}, nil)

	rec := httptest.NewRecorder()
	target := "/api/stored?instrument=256265&from=2024-06-01&to=2024-06-10&format=csv"
	newTestServer(t, svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Equal(t, "# Instrument=256265 Interval=day WindowStart=2024-06-01T00:00:00Z Order=OLDEST->NEWEST\n"+
		"time,open,high,low,close,volume,oi\n"+
		"2024-06-01T00:00:00Z,1,2,0.5,1.5,10,\n", rec.Body.String())
}

func TestLimitsIncludesBreaker(t *testing.T) {
	svc := new(mockService)
	svc.On("LimiterStats").Return(map[ratelimit.Category]ratelimit.Stats{
		ratelimit.CategoryHistorical: {Budget: ratelimit.Budget{Capacity: 3, Interval: time.Second}, Admitted: 9},
	})
	svc.On("Breaker").Return(circuit.Snapshot{Name: "kite", State: "CLOSED", Threshold: 5}, true)

	rec, body := do(t, newTestServer(t, svc), "/api/limits")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["limits"], "historical")
	assert.Equal(t, "CLOSED", body["breaker"].(map[string]any)["state"])
}
