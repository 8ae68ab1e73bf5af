// Package kite is the historical-candle transport for the Kite Connect REST
// API.
package kite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"histfetch/internal/apierr"
	"histfetch/internal/market"
	"histfetch/internal/pkg/circuit"

	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL = "https://api.kite.trade"
	apiVersion     = "3"
	paramLayout    = "2006-01-02 15:04:05"
	maxBodyBytes   = 32 << 20
)

// Exchange-local time; the API reads from/to in this zone.
var ist = time.FixedZone("IST", 5*3600+1800)

type Config struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	Timeout     time.Duration
	// InclusiveBounds states whether the provider includes the "to" candle.
	// When false the upper bound is pushed out by one interval unit and the
	// response is trimmed back.
	InclusiveBounds  bool
	BreakerThreshold int
	BreakerTimeout   time.Duration
	HTTPClient       *http.Client
}

// Source implements engine.Transport.
type Source struct {
	baseURL   *url.URL
	apiKey    string
	token     string
	inclusive bool
	client    *http.Client
	breaker   *circuit.Breaker
}

func NewSource(cfg Config) (*Source, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("kite: invalid base url %q: %w", base, err)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Source{
		baseURL:   u,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		token:     strings.TrimSpace(cfg.AccessToken),
		inclusive: cfg.InclusiveBounds,
		client:    client,
		breaker:   circuit.New("kite", cfg.BreakerThreshold, cfg.BreakerTimeout),
	}, nil
}

func (s *Source) Name() string { return "kite" }

// Breaker reports the provider circuit state.
func (s *Source) Breaker() circuit.Snapshot { return s.breaker.Snapshot() }

func (s *Source) Call(ctx context.Context, chunk market.Chunk) ([]market.Candle, error) {
	var body []byte
	err := s.breaker.Execute(func() error {
		var err error
		body, err = s.roundTrip(ctx, chunk)
		return err
	}, tripsBreaker)
	if errors.Is(err, circuit.ErrOpen) {
		return nil, apierr.Transport(fmt.Errorf("kite: %w", err))
	}
	if err != nil {
		return nil, err
	}
	candles, err := decodeCandles(body)
	if err != nil {
		return nil, err
	}
	return trim(candles, chunk.From, chunk.To), nil
}

// roundTrip returns the body of a 2xx response. Caller cancellation comes
// back as the bare context error.
func (s *Source) roundTrip(ctx context.Context, chunk market.Chunk) ([]byte, error) {
	req, err := s.newRequest(ctx, chunk)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierr.Transport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierr.Transport(fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(resp.StatusCode, resp.Header, body)
	}
	return body, nil
}

// Only an unhealthy provider trips the breaker; rejected input does not.
func tripsBreaker(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindServer, apierr.KindTransport:
		return true
	}
	return false
}

func (s *Source) newRequest(ctx context.Context, chunk market.Chunk) (*http.Request, error) {
	u := *s.baseURL
	u.Path = path.Join(u.Path, "instruments", "historical",
		url.PathEscape(chunk.Instrument), string(chunk.Interval))
	to := chunk.To
	if !s.inclusive {
		to = to.Add(chunk.Interval.Unit())
	}
	q := url.Values{}
	q.Set("from", chunk.From.In(ist).Format(paramLayout))
	q.Set("to", to.In(ist).Format(paramLayout))
	q.Set("continuous", flag(chunk.Continuous))
	q.Set("oi", flag(chunk.OI))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apierr.Client(0, err.Error())
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" || s.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", s.apiKey, s.token))
	}
	return req, nil
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func trim(candles []market.Candle, from, to time.Time) []market.Candle {
	out := candles[:0]
	for _, c := range candles {
		if c.Time.Before(from) || c.Time.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

var candleTimeLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	paramLayout,
}

func parseCandleTime(raw string) (time.Time, error) {
	for _, layout := range candleTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, ist); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized candle time %q", raw)
}

// decodeCandles reads {"data":{"candles":[[ts,o,h,l,c,v(,oi)],...]}}.
func decodeCandles(body []byte) ([]market.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierr.Decode(errors.New("response is not valid JSON"))
	}
	root := gjson.ParseBytes(body)
	if status := root.Get("status").String(); status != "" && status != "success" {
		return nil, apierr.Decode(fmt.Errorf("unexpected status %q: %s", status, root.Get("message").String()))
	}
	rows := root.Get("data.candles")
	if !rows.Exists() {
		return nil, apierr.Decode(errors.New("data.candles missing"))
	}
	if !rows.IsArray() {
		return nil, apierr.Decode(errors.New("data.candles is not an array"))
	}
	list := rows.Array()
	out := make([]market.Candle, 0, len(list))
	for i, row := range list {
		c, err := decodeRow(row)
		if err != nil {
			return nil, apierr.Decode(fmt.Errorf("candle %d: %w", i, err))
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeRow(row gjson.Result) (market.Candle, error) {
	if !row.IsArray() {
		return market.Candle{}, errors.New("row is not an array")
	}
	fields := row.Array()
	if len(fields) < 6 {
		return market.Candle{}, fmt.Errorf("row has %d fields, want at least 6", len(fields))
	}
	ts, err := parseCandleTime(fields[0].String())
	if err != nil {
		return market.Candle{}, err
	}
	nums := make([]float64, 5)
	for i := range nums {
		f := fields[i+1]
		if f.Type != gjson.Number {
			return market.Candle{}, fmt.Errorf("field %d is not a number", i+1)
		}
		nums[i] = f.Float()
	}
	c := market.Candle{
		Time:   ts,
		Open:   nums[0],
		High:   nums[1],
		Low:    nums[2],
		Close:  nums[3],
		Volume: nums[4],
	}
	if len(fields) > 6 && fields[6].Type == gjson.Number {
		oi := fields[6].Float()
		c.OI = &oi
	}
	return c, nil
}

// classify maps an error response onto the apierr taxonomy. Kite reports
// {"status":"error","message":...,"error_type":...}.
func classify(status int, header http.Header, body []byte) *apierr.Error {
	var errType, msg string
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		errType = root.Get("error_type").String()
		msg = root.Get("message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if errType != "" {
		msg = errType + ": " + msg
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apierr.RateLimited(retryAfter(header), msg)
	case errType == "TokenException" || status == http.StatusUnauthorized:
		return apierr.Auth(msg)
	case errType == "NetworkException":
		e := apierr.Transport(errors.New(msg))
		e.Status = status
		return e
	case status >= 500:
		return apierr.Server(status, msg)
	default:
		return apierr.Client(status, msg)
	}
}

// retryAfter reads a delay in seconds or an HTTP date; 0 means no hint.
func retryAfter(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
