// Package planner splits a historical request into provider-sized chunks.
package planner

import (
	"time"

	"histfetch/internal/market"
)

// SpanTable maps an interval to the widest range one call may cover.
type SpanTable map[market.Interval]time.Duration

// DefaultSpans returns the provider's published per-call limits.
func DefaultSpans() SpanTable {
	out := make(SpanTable)
	for _, iv := range market.SupportedIntervals() {
		out[iv] = iv.MaxSpan()
	}
	return out
}

// Planner is stateless after construction and safe for concurrent use.
type Planner struct {
	spans SpanTable
	grid  market.Grid
}

type Option func(*Planner)

// WithGrid sets where candles open. The default is market.UTCGrid.
func WithGrid(g market.Grid) Option {
	return func(p *Planner) { p.grid = g }
}

// New copies spans over the defaults; entries <= 0 are ignored.
func New(spans SpanTable, opts ...Option) *Planner {
	merged := DefaultSpans()
	for iv, span := range spans {
		if span > 0 {
			merged[iv] = span
		}
	}
	p := &Planner{spans: merged, grid: market.UTCGrid}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) Grid() market.Grid { return p.grid }

// MaxSpan returns the per-call limit for iv in whole interval units, never
// shorter than one unit.
func (p *Planner) MaxSpan(iv market.Interval) time.Duration {
	unit := iv.Unit()
	if unit <= 0 {
		return p.spans[iv]
	}
	span := p.spans[iv] / unit * unit
	if span < unit {
		span = unit
	}
	return span
}

// bounds narrows req to the first and last candle open times it contains.
// ok is false when no candle opens inside the range.
func (p *Planner) bounds(req market.Request) (from, to time.Time, ok bool) {
	from = p.grid.Ceil(req.Interval, req.From)
	to = p.grid.Floor(req.Interval, req.To)
	return from, to, !from.After(to)
}

// Plan walks backward from the last candle in req and returns chunks newest
// first. Chunk bounds sit on the candle grid and consecutive chunks are
// exactly one interval unit apart, so no candle is requested twice and none
// is skipped. A range holding no candle open time yields no chunks.
func (p *Planner) Plan(req market.Request) ([]market.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	from, to, ok := p.bounds(req)
	if !ok {
		return nil, nil
	}
	unit := req.Interval.Unit()
	span := p.MaxSpan(req.Interval)

	var chunks []market.Chunk
	cursor := to
	for !cursor.Before(from) {
		start := cursor.Add(unit - span)
		if start.Before(from) {
			start = from
		}
		chunks = append(chunks, p.chunk(req, start, cursor, len(chunks)))
		cursor = start.Add(-unit)
	}
	return chunks, nil
}

// PlanForward is Plan in oldest-first order, anchored at the first candle.
func (p *Planner) PlanForward(req market.Request) ([]market.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	from, to, ok := p.bounds(req)
	if !ok {
		return nil, nil
	}
	unit := req.Interval.Unit()
	span := p.MaxSpan(req.Interval)

	var chunks []market.Chunk
	cursor := from
	for !cursor.After(to) {
		end := cursor.Add(span - unit)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, p.chunk(req, cursor, end, len(chunks)))
		cursor = end.Add(unit)
	}
	return chunks, nil
}

func (p *Planner) chunk(req market.Request, from, to time.Time, idx int) market.Chunk {
	sub := req
	sub.From = from
	sub.To = to
	return market.Chunk{Request: sub, Index: idx}
}
