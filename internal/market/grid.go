package market

import "time"

// Grid places candle open times. Day candles open at midnight in Location;
// intraday candles open every interval unit counted from Anchor past
// midnight. Every intraday unit divides a day, so the grid repeats daily.
type Grid struct {
	Location *time.Location
	Anchor   time.Duration
}

// UTCGrid opens day candles at 00:00 UTC and aligns intraday units to the
// epoch.
var UTCGrid = Grid{Location: time.UTC}

func (g Grid) loc() *time.Location {
	if g.Location == nil {
		return time.UTC
	}
	return g.Location
}

// Floor returns the latest grid point of iv at or before t.
func (g Grid) Floor(iv Interval, t time.Time) time.Time {
	unit := iv.Unit()
	if unit <= 0 {
		return t
	}
	lt := t.In(g.loc())
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, g.loc())
	if iv == Day {
		return midnight
	}
	base := midnight.Add(g.Anchor % unit)
	d := lt.Sub(base)
	if d < 0 {
		return base.Add(-unit)
	}
	return base.Add(d / unit * unit)
}

// Ceil returns the earliest grid point of iv at or after t.
func (g Grid) Ceil(iv Interval, t time.Time) time.Time {
	f := g.Floor(iv, t)
	if !f.Before(t) {
		return f
	}
	if iv == Day {
		return f.AddDate(0, 0, 1)
	}
	return f.Add(iv.Unit())
}

// OnGrid reports whether t is a candle open time of iv.
func (g Grid) OnGrid(iv Interval, t time.Time) bool {
	return g.Floor(iv, t).Equal(t)
}
