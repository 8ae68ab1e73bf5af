package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval is the candle granularity understood by the historical endpoint.
type Interval string

const (
	Minute        Interval = "minute"
	ThreeMinute   Interval = "3minute"
	FiveMinute    Interval = "5minute"
	TenMinute     Interval = "10minute"
	FifteenMinute Interval = "15minute"
	ThirtyMinute  Interval = "30minute"
	SixtyMinute   Interval = "60minute"
	Day           Interval = "day"
)

type intervalSpec struct {
	unit    time.Duration
	maxDays int
}

// maxDays is the largest window the provider serves per call for each interval.
var intervalSpecs = map[Interval]intervalSpec{
	Minute:        {unit: time.Minute, maxDays: 60},
	ThreeMinute:   {unit: 3 * time.Minute, maxDays: 100},
	FiveMinute:    {unit: 5 * time.Minute, maxDays: 100},
	TenMinute:     {unit: 10 * time.Minute, maxDays: 100},
	FifteenMinute: {unit: 15 * time.Minute, maxDays: 200},
	ThirtyMinute:  {unit: 30 * time.Minute, maxDays: 200},
	SixtyMinute:   {unit: time.Hour, maxDays: 400},
	Day:           {unit: 24 * time.Hour, maxDays: 2000},
}

var intervalAliases = map[string]Interval{
	"1m":    Minute,
	"1min":  Minute,
	"3m":    ThreeMinute,
	"5m":    FiveMinute,
	"10m":   TenMinute,
	"15m":   FifteenMinute,
	"30m":   ThirtyMinute,
	"60m":   SixtyMinute,
	"1h":    SixtyMinute,
	"hour":  SixtyMinute,
	"1d":    Day,
	"daily": Day,
}

// ParseInterval normalizes user input such as "5minute", "5m" or "DAY".
func ParseInterval(input string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if _, ok := intervalSpecs[Interval(key)]; ok {
		return Interval(key), nil
	}
	if iv, ok := intervalAliases[key]; ok {
		return iv, nil
	}
	return "", fmt.Errorf("unsupported interval: %q", input)
}

// SupportedIntervals lists the canonical interval names, sorted by unit.
func SupportedIntervals() []Interval {
	out := make([]Interval, 0, len(intervalSpecs))
	for iv := range intervalSpecs {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool {
		return intervalSpecs[out[i]].unit < intervalSpecs[out[j]].unit
	})
	return out
}

func (i Interval) Valid() bool {
	_, ok := intervalSpecs[i]
	return ok
}

// Unit is the spacing between two consecutive candles.
func (i Interval) Unit() time.Duration {
	return intervalSpecs[i].unit
}

// MaxDays is the provider's default per-call window in days.
func (i Interval) MaxDays() int {
	return intervalSpecs[i].maxDays
}

// MaxSpan is MaxDays expressed as a duration.
func (i Interval) MaxSpan() time.Duration {
	return time.Duration(i.MaxDays()) * 24 * time.Hour
}

func (i Interval) String() string { return string(i) }

// ExpectedCandles counts grid points in [from, to].
func (i Interval) ExpectedCandles(from, to time.Time) int64 {
	unit := i.Unit()
	if unit <= 0 || to.Before(from) {
		return 0
	}
	return int64(to.Sub(from)/unit) + 1
}
