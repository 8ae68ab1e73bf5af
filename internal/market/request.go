package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidRequest = errors.New("invalid historical request")

// Request asks for candles of one instrument between From and To, both
// inclusive.
type Request struct {
	Instrument string    `json:"instrument" yaml:"instrument"`
	From       time.Time `json:"from" yaml:"from"`
	To         time.Time `json:"to" yaml:"to"`
	Interval   Interval  `json:"interval" yaml:"interval"`
	Continuous bool      `json:"continuous" yaml:"continuous"`
	OI         bool      `json:"oi" yaml:"oi"`
}

// Validate rejects requests the planner cannot split.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Instrument) == "" {
		return fmt.Errorf("%w: instrument is empty", ErrInvalidRequest)
	}
	if !r.Interval.Valid() {
		return fmt.Errorf("%w: unsupported interval %q", ErrInvalidRequest, r.Interval)
	}
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: from/to must be set", ErrInvalidRequest)
	}
	if r.From.After(r.To) {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidRequest,
			r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// Span is the wall-clock distance between From and To.
func (r Request) Span() time.Duration {
	return r.To.Sub(r.From)
}

// WithinLimit reports whether a single provider call may serve r.
func (r Request) WithinLimit(maxSpan time.Duration) bool {
	return r.Span() <= maxSpan
}

// CacheKey fingerprints every field that changes the provider response.
func (r Request) CacheKey() string {
	return fmt.Sprintf("%s|%s|%d|%d|c=%t|oi=%t",
		strings.TrimSpace(r.Instrument), r.Interval,
		r.From.UnixNano(), r.To.UnixNano(), r.Continuous, r.OI)
}

// Chunk is a Request narrowed to one provider call. Index is the position in
// the plan it came from.
type Chunk struct {
	Request
	Index int `json:"index" yaml:"index"`
}

func (c Chunk) String() string {
	return fmt.Sprintf("#%d %s %s [%s, %s]", c.Index, c.Instrument, c.Interval,
		c.From.Format(time.RFC3339), c.To.Format(time.RFC3339))
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts RFC3339, "2006-01-02 15:04:05" and plain dates. Inputs
// without an offset are read in loc (UTC when nil).
func ParseTime(input string, loc *time.Location) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, input, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", input)
}
