package app

import (
	"fmt"
	"strings"
	"time"

	"histfetch/internal/market"
	"histfetch/internal/refresh"
)

// RefreshRunner builds the scheduled refresh jobs from the refresh section.
// Jobs run through this client, so they share its limiter with ad-hoc fetches.
func (c *Client) RefreshRunner() (*refresh.Runner, error) {
	rc := c.cfg.Refresh
	loc := time.UTC
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("refresh timezone: %w", err)
		}
	}
	jobs := make([]refresh.Job, 0, len(rc.Jobs))
	for _, jc := range rc.Jobs {
		iv, err := market.ParseInterval(jc.Interval)
		if err != nil {
			return nil, fmt.Errorf("refresh job %s: %w", jc.Name, err)
		}
		jobs = append(jobs, refresh.Job{
			Name:       jc.Name,
			Instrument: jc.Instrument,
			Interval:   iv,
			Lookback:   time.Duration(jc.LookbackDays) * 24 * time.Hour,
			Cron:       strings.TrimSpace(jc.Cron),
			Offset:     seconds(jc.OffsetSeconds),
			Continuous: jc.Continuous,
			OI:         jc.OI,
		})
	}
	return refresh.NewRunner(c, jobs, refresh.WithLocation(loc))
}

// RefreshEnabled reports whether serve should start the refresh scheduler.
func (c *Client) RefreshEnabled() bool {
	return c.cfg.Refresh.Enabled && c.store != nil && len(c.cfg.Refresh.Jobs) > 0
}
