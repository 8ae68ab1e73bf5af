package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// PrecisionAuto picks price decimals from the largest price in the series.
	PrecisionAuto = math.MinInt32
	// PrecisionRaw keeps the shortest exact representation.
	PrecisionRaw = -1
)

// CSVOptions controls the metadata line and number formatting of WriteCSV.
type CSVOptions struct {
	Instrument     string
	Interval       Interval
	Location       *time.Location
	PricePrecision int
}

var csvHeader = []string{"time", "open", "high", "low", "close", "volume", "oi"}

// WriteCSV writes s oldest first, preceded by a "#" metadata line and a
// header row. The oi column is empty when open interest is unknown.
func WriteCSV(w io.Writer, s Series, opts CSVOptions) error {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	precision := opts.PricePrecision
	if precision == PrecisionAuto {
		precision = autoPrecision(s)
	}

	meta := make([]string, 0, 4)
	if inst := strings.TrimSpace(opts.Instrument); inst != "" {
		meta = append(meta, "Instrument="+inst)
	}
	if opts.Interval != "" {
		meta = append(meta, "Interval="+opts.Interval.String())
	}
	if c, ok := s.First(); ok {
		meta = append(meta, "WindowStart="+c.Time.In(loc).Format(time.RFC3339))
	}
	meta = append(meta, "Order=OLDEST->NEWEST")
	if _, err := fmt.Fprintf(w, "# %s\n", strings.Join(meta, " ")); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := make([]string, len(csvHeader))
	for _, c := range s {
		row[0] = c.Time.In(loc).Format(time.RFC3339)
		row[1] = formatPrice(c.Open, precision)
		row[2] = formatPrice(c.High, precision)
		row[3] = formatPrice(c.Low, precision)
		row[4] = formatPrice(c.Close, precision)
		row[5] = strconv.FormatFloat(c.Volume, 'f', -1, 64)
		row[6] = ""
		if c.OI != nil {
			row[6] = strconv.FormatFloat(*c.OI, 'f', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func autoPrecision(s Series) int {
	maxVal := 0.0
	for _, c := range s {
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
			maxVal = math.Max(maxVal, math.Abs(v))
		}
	}
	switch {
	case maxVal >= 1000:
		return 1
	case maxVal >= 100:
		return 2
	default:
		return PrecisionRaw
	}
}

func formatPrice(v float64, precision int) string {
	if precision == PrecisionRaw {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	out := strconv.FormatFloat(v, 'f', precision, 64)
	if precision > 0 {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	return out
}
