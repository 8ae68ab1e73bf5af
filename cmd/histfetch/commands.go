package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"histfetch/internal/engine"
	"histfetch/internal/market"
	historicalhttp "histfetch/internal/transport/http/historical"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type requestFlags struct {
	instruments []string
	interval    string
	from        string
	to          string
	tz          string
	continuous  bool
	oi          bool

	loc *time.Location
}

func (f *requestFlags) location() *time.Location {
	if f.loc == nil {
		return time.UTC
	}
	return f.loc
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.instruments, "instrument", "t", nil, "instrument token(s); repeat or comma separate")
	cmd.Flags().StringVarP(&f.interval, "interval", "i", "day", "candle interval (minute, 3minute, ..., 60minute, day)")
	cmd.Flags().StringVar(&f.from, "from", "", "range start, inclusive (2006-01-02[ 15:04:05] or RFC3339)")
	cmd.Flags().StringVar(&f.to, "to", "", "range end, inclusive (defaults to now)")
	cmd.Flags().StringVar(&f.tz, "tz", "Asia/Kolkata", "time zone for from/to without an offset")
	cmd.Flags().BoolVar(&f.continuous, "continuous", false, "continuous contract data")
	cmd.Flags().BoolVar(&f.oi, "oi", false, "include open interest")
	_ = cmd.MarkFlagRequired("instrument")
	_ = cmd.MarkFlagRequired("from")
}

func (f *requestFlags) requests() ([]market.Request, error) {
	iv, err := market.ParseInterval(f.interval)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(f.tz)
	if err != nil {
		return nil, fmt.Errorf("invalid --tz: %w", err)
	}
	f.loc = loc
	from, err := market.ParseTime(f.from, loc)
	if err != nil {
		return nil, fmt.Errorf("--from: %w", err)
	}
	to := time.Now().In(loc)
	if strings.TrimSpace(f.to) != "" {
		if to, err = market.ParseTime(f.to, loc); err != nil {
			return nil, fmt.Errorf("--to: %w", err)
		}
	}
	out := make([]market.Request, 0, len(f.instruments))
	for _, inst := range f.instruments {
		req := market.Request{
			Instrument: strings.TrimSpace(inst),
			From:       from,
			To:         to,
			Interval:   iv,
			Continuous: f.continuous,
			OI:         f.oi,
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --instrument is required")
	}
	return out, nil
}

func newFetchCmd() *cobra.Command {
	var (
		rf              requestFlags
		format          string
		continueOnError bool
		noCache         bool
		save            bool
		summary         bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and merge a historical range for one or more instruments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := rf.requests()
			if err != nil {
				return err
			}
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()

			opts := rt.client.DefaultOptions()
			if cmd.Flags().Changed("continue-on-error") {
				opts.ContinueOnError = continueOnError
			}
			if noCache {
				opts.UseCache = false
			}
			results, fetchErr := rt.client.FetchAll(ctx, reqs, opts)
			if save {
				for _, res := range results {
					if res == nil || res.Outcome == engine.OutcomeAborted {
						continue
					}
					if _, err := rt.client.Save(ctx, res); err != nil {
						return err
					}
				}
			}
			switch {
			case summary:
				err = render(cmd.OutOrStdout(), format, summarize(results))
			case strings.EqualFold(format, "csv"):
				err = renderCSV(cmd.OutOrStdout(), results, rf.location())
			default:
				err = render(cmd.OutOrStdout(), format, results)
			}
			if err != nil {
				return err
			}
			return fetchErr
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVarP(&format, "output", "o", "json", "output format: json, yaml or csv")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "record failed chunks and keep going")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	cmd.Flags().BoolVar(&save, "save", false, "persist merged series to the store")
	cmd.Flags().BoolVar(&summary, "summary", false, "print counts instead of candles")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var (
		rf     requestFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the chunk plan without calling the provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := rf.requests()
			if err != nil {
				return err
			}
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()
			plans := make(map[string][]market.Chunk, len(reqs))
			for _, req := range reqs {
				chunks, err := rt.client.Plan(req)
				if err != nil {
					return err
				}
				plans[req.Instrument] = chunks
			}
			return render(cmd.OutOrStdout(), format, plans)
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVarP(&format, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the retrieval engine over HTTP",
		Long: `Serve the retrieval engine over HTTP. When refresh.enabled is set, the
configured refresh jobs run in the same process and share its rate budget.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.client.HTTPAddr()
			}
			srv, err := historicalhttp.NewServer(historicalhttp.Config{
				Addr:     addr,
				Svc:      rt.client,
				Location: rt.client.Location(),
			})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })
			if rt.client.RefreshEnabled() {
				runner, err := rt.client.RefreshRunner()
				if err != nil {
					return err
				}
				g.Go(func() error { return runner.Start(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default app.http_addr)")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	var (
		once   bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-fetch the trailing window of every refresh job into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()
			if !rt.client.RefreshEnabled() {
				return fmt.Errorf("refresh needs refresh.enabled, store.enabled and at least one job")
			}
			runner, err := rt.client.RefreshRunner()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if !once {
				return runner.Start(ctx)
			}
			reports := runner.RunAll(ctx)
			if err := render(cmd.OutOrStdout(), format, reports); err != nil {
				return err
			}
			var errs []error
			for _, rep := range reports {
				if rep.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", rep.Job, rep.Err))
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run every job once and exit")
	cmd.Flags().StringVarP(&format, "output", "o", "json", "output format for --once: json or yaml")
	return cmd
}

type fetchSummary struct {
	ID         string         `json:"id" yaml:"id"`
	Instrument string         `json:"instrument" yaml:"instrument"`
	Interval   string         `json:"interval" yaml:"interval"`
	Outcome    engine.Outcome `json:"outcome" yaml:"outcome"`
	Candles    int            `json:"candles" yaml:"candles"`
	First      *time.Time     `json:"first,omitempty" yaml:"first,omitempty"`
	Last       *time.Time     `json:"last,omitempty" yaml:"last,omitempty"`
	Planned    int            `json:"chunks_planned" yaml:"chunks_planned"`
	Fetched    int            `json:"chunks_fetched" yaml:"chunks_fetched"`
	CacheHits  int            `json:"cache_hits" yaml:"cache_hits"`
	Errors     []string       `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func summarize(results []*engine.Result) []fetchSummary {
	out := make([]fetchSummary, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		s := fetchSummary{
			ID:         res.ID,
			Instrument: res.Request.Instrument,
			Interval:   res.Request.Interval.String(),
			Outcome:    res.Outcome,
			Candles:    len(res.Series),
			Planned:    res.ChunksPlanned,
			Fetched:    res.ChunksFetched,
			CacheHits:  res.CacheHits,
			Errors:     res.ErrorMessages(),
		}
		if c, ok := res.Series.First(); ok {
			s.First = &c.Time
		}
		if c, ok := res.Series.Last(); ok {
			s.Last = &c.Time
		}
		out = append(out, s)
	}
	return out
}

// renderCSV writes one CSV block per result, separated by a blank line.
func renderCSV(w io.Writer, results []*engine.Result, loc *time.Location) error {
	first := true
	for _, res := range results {
		if res == nil {
			continue
		}
		if !first {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		first = false
		opts := market.CSVOptions{
			Instrument:     res.Request.Instrument,
			Interval:       res.Request.Interval,
			Location:       loc,
			PricePrecision: market.PrecisionRaw,
		}
		if err := market.WriteCSV(w, res.Series, opts); err != nil {
			return err
		}
	}
	return nil
}

func render(w io.Writer, format string, v any) error {
	if w == nil {
		w = os.Stdout
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
