// Package scheduler runs tasks on a bar-close grid.
package scheduler

import (
	"context"
	"errors"
	"time"

	"histfetch/internal/logger"
)

// Aligned fires a task shortly after every multiple of Interval (UTC epoch
// grid), delayed by Offset so the provider has closed the bar.
type Aligned struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	now func() time.Time
}

func NewAligned(name string, interval, offset time.Duration) *Aligned {
	return &Aligned{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		now:      time.Now,
	}
}

// SetClock swaps the time source. Tests only.
func (s *Aligned) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Next returns the first wake-up strictly after now.
func (s *Aligned) Next(now time.Time) time.Time {
	now = now.UTC()
	wake := now.Truncate(s.Interval).Add(s.Offset)
	for !wake.After(now) {
		wake = wake.Add(s.Interval)
	}
	return wake
}

// Run blocks until ctx is done, invoking task once per grid slot. Slots that
// pass while task is still running are skipped, not queued.
func (s *Aligned) Run(ctx context.Context, task func(context.Context)) error {
	if task == nil {
		return errors.New("scheduler: task is nil")
	}
	if s.Interval <= 0 {
		return errors.New("scheduler: interval must be > 0")
	}
	if s.Offset < 0 {
		logger.Warnf("[scheduler] %s: negative offset=%s, clamp to 0", s.Name, s.Offset)
		s.Offset = 0
	}
	if s.now == nil {
		s.now = time.Now
	}
	logger.Infof("[scheduler] %s started interval=%s offset=%s run_immediately=%v",
		s.Name, s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		task(ctx)
	}
	for {
		now := s.now()
		wake := s.Next(now)
		logger.Debugf("[scheduler] %s next run at %s (in %s)",
			s.Name, wake.Format(time.RFC3339), wake.Sub(now).Truncate(time.Millisecond))

		timer := time.NewTimer(wake.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[scheduler] %s stopped", s.Name)
			return nil
		case <-timer.C:
		}
		task(ctx)
	}
}
