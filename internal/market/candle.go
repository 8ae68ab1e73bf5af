package market

import (
	"sort"
	"time"
)

// Candle is one OHLCV bar. OI is nil when the provider did not report open
// interest for the bar; a nil OI means unknown, not zero.
type Candle struct {
	Time   time.Time `json:"time" yaml:"time"`
	Open   float64   `json:"open" yaml:"open"`
	High   float64   `json:"high" yaml:"high"`
	Low    float64   `json:"low" yaml:"low"`
	Close  float64   `json:"close" yaml:"close"`
	Volume float64   `json:"volume" yaml:"volume"`
	OI     *float64  `json:"oi,omitempty" yaml:"oi,omitempty"`
}

// Series is an ascending, duplicate-free run of candles.
type Series []Candle

// First returns the oldest candle.
func (s Series) First() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[0], true
}

// Last returns the newest candle.
func (s Series) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Between returns the candles whose time lies in [from, to].
func (s Series) Between(from, to time.Time) Series {
	out := make(Series, 0, len(s))
	for _, c := range s {
		if c.Time.Before(from) || c.Time.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Merge concatenates the given parts, sorts ascending by time and drops
// timestamp collisions. Among equal timestamps the candle that appeared first
// in the argument order wins.
func Merge(parts ...[]Candle) Series {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total == 0 {
		return Series{}
	}
	all := make(Series, 0, total)
	for _, p := range parts {
		all = append(all, p...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})
	out := all[:1]
	for _, c := range all[1:] {
		if c.Time.Equal(out[len(out)-1].Time) {
			continue
		}
		out = append(out, c)
	}
	return out
}
