// Package refresh keeps the store current by re-fetching a trailing window of
// bars for configured instruments on a schedule.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"histfetch/internal/engine"
	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/scheduler"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrBusy is reported when a job is triggered while its previous run is still
// in progress.
var ErrBusy = errors.New("refresh job already running")

type Job struct {
	Name       string
	Instrument string
	Interval   market.Interval
	Lookback   time.Duration
	// Cron is a standard 5-field spec or an @descriptor. Empty runs the job
	// Offset after every bar close.
	Cron       string
	Offset     time.Duration
	Continuous bool
	OI         bool
}

// Window is the request the job issues at now: Lookback worth of bars ending
// at the last closed one. The bar still forming at now is excluded.
func (j Job) Window(now time.Time) market.Request {
	to := now.Add(-j.Interval.Unit())
	return market.Request{
		Instrument: j.Instrument,
		From:       to.Add(-j.Lookback),
		To:         to,
		Interval:   j.Interval,
		Continuous: j.Continuous,
		OI:         j.OI,
	}
}

// Client is the part of app.Client a refresh needs.
type Client interface {
	Fetch(ctx context.Context, req market.Request, opts engine.Options) (*engine.Result, error)
	Save(ctx context.Context, res *engine.Result) (int, error)
}

type Report struct {
	Job      string         `json:"job" yaml:"job"`
	ResultID string         `json:"result_id,omitempty" yaml:"result_id,omitempty"`
	Outcome  engine.Outcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Candles  int            `json:"candles" yaml:"candles"`
	Saved    int            `json:"saved" yaml:"saved"`
	Elapsed  time.Duration  `json:"elapsed" yaml:"elapsed"`
	Err      error          `json:"-" yaml:"-"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
}

type Runner struct {
	client Client
	jobs   []Job
	loc    *time.Location
	now    func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

type Option func(*Runner)

// WithLocation sets the zone cron specs are read in (UTC by default).
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(client Client, jobs []Job, opts ...Option) (*Runner, error) {
	if client == nil {
		return nil, errors.New("refresh: client is required")
	}
	r := &Runner{
		client:  client,
		loc:     time.UTC,
		now:     time.Now,
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	seen := make(map[string]bool, len(jobs))
	for i, job := range jobs {
		job.Instrument = strings.TrimSpace(job.Instrument)
		if job.Instrument == "" {
			return nil, fmt.Errorf("refresh: job %d has no instrument", i)
		}
		if !job.Interval.Valid() {
			return nil, fmt.Errorf("refresh: job %d: unsupported interval %q", i, job.Interval)
		}
		if job.Lookback < job.Interval.Unit() {
			job.Lookback = job.Interval.Unit()
		}
		if strings.TrimSpace(job.Name) == "" {
			job.Name = job.Instrument + "/" + string(job.Interval)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("refresh: duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
		if job.Cron != "" {
			if _, err := cron.ParseStandard(job.Cron); err != nil {
				return nil, fmt.Errorf("refresh: job %s: invalid cron %q: %w", job.Name, job.Cron, err)
			}
		}
		r.jobs = append(r.jobs, job)
	}
	return r, nil
}

func (r *Runner) Jobs() []Job {
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func (r *Runner) acquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}

// RunOnce fetches job's window strictly, bypassing the cache, and upserts the
// series.
func (r *Runner) RunOnce(ctx context.Context, job Job) Report {
	rep := Report{Job: job.Name}
	if !r.acquire(job.Name) {
		rep.Err = ErrBusy
		rep.Error = ErrBusy.Error()
		logger.Warnf("[refresh] %s skipped: %v", job.Name, ErrBusy)
		return rep
	}
	defer r.release(job.Name)

	started := time.Now()
	defer func() { rep.Elapsed = time.Since(started) }()

	res, err := r.client.Fetch(ctx, job.Window(r.now()), engine.Options{})
	if res != nil {
		rep.ResultID = res.ID
		rep.Outcome = res.Outcome
		rep.Candles = len(res.Series)
	}
	if err != nil {
		rep.Err = err
		rep.Error = err.Error()
		logger.Warnf("[refresh] %s fetch failed: %v", job.Name, err)
		return rep
	}
	saved, err := r.client.Save(ctx, res)
	rep.Saved = saved
	if err != nil {
		rep.Err = err
		rep.Error = err.Error()
		logger.Errorf("[refresh] %s save failed: %v", job.Name, err)
		return rep
	}
	logger.Infof("[refresh] %s: %d candles, %d saved (%s)", job.Name, rep.Candles, saved, rep.Outcome)
	return rep
}

// RunAll runs every job once, in order.
func (r *Runner) RunAll(ctx context.Context) []Report {
	out := make([]Report, 0, len(r.jobs))
	for _, job := range r.jobs {
		if ctx.Err() != nil {
			break
		}
		out = append(out, r.RunOnce(ctx, job))
	}
	return out
}

// Start schedules every job and blocks until ctx is done. Cron jobs share one
// cron.Cron; the rest each get an Aligned scheduler on their bar interval.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.loc))
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		if job.Cron != "" {
			if _, err := c.AddFunc(job.Cron, func() { r.RunOnce(gctx, job) }); err != nil {
				return fmt.Errorf("refresh: scheduling %s: %w", job.Name, err)
			}
			continue
		}
		sched := scheduler.NewAligned(job.Name, job.Interval.Unit(), job.Offset)
		g.Go(func() error {
			return sched.Run(gctx, func(ctx context.Context) { r.RunOnce(ctx, job) })
		})
	}
	c.Start()
	logger.Infof("[refresh] %d job(s) scheduled", len(r.jobs))

	<-gctx.Done()
	<-c.Stop().Done()
	return g.Wait()
}
