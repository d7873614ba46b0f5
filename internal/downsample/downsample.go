// Package downsample implements Caesium's tiered retention background task
// (C3): windows older than a tier's age threshold are greedily merged into
// coarser windows bounded by the tier's target span, the same "walk the
// oldest work first, write-then-swap" shape the teacher's archiver uses for
// moving checkpoint files into cold storage.
package downsample

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/metrics"
	"github.com/wedaly/caesium/internal/windowstore"
)

// Tier describes one retention bracket: windows older than Age are merged
// until each merged window spans at most TargetSpan. GapTolerance allows
// merging across small gaps in otherwise-contiguous windows (a metric that
// briefly stopped reporting does not permanently fragment its history).
type Tier struct {
	Age         time.Duration
	TargetSpan  time.Duration
	GapTolerance time.Duration
}

// Policy is an ordered list of tiers, coarsest retention last.
type Policy struct {
	Tiers []Tier
}

// DefaultPolicy merges anything older than a day into 1-hour windows, and
// anything older than a week into 1-day windows.
func DefaultPolicy() Policy {
	return Policy{Tiers: []Tier{
		{Age: 24 * time.Hour, TargetSpan: time.Hour, GapTolerance: 5 * time.Minute},
		{Age: 7 * 24 * time.Hour, TargetSpan: 24 * time.Hour, GapTolerance: time.Hour},
	}}
}

// Downsampler periodically compacts a Store's windows according to Policy.
type Downsampler struct {
	store    *windowstore.Store
	policy   Policy
	interval time.Duration
	now      func() time.Time

	scheduler gocron.Scheduler
}

// New constructs a Downsampler. interval controls how often runOnce fires;
// spec.md's default is 600s.
func New(store *windowstore.Store, policy Policy, interval time.Duration) (*Downsampler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Downsampler{
		store:     store,
		policy:    policy,
		interval:  interval,
		now:       time.Now,
		scheduler: sched,
	}, nil
}

// Run starts the periodic compaction job and blocks until ctx is canceled.
func (d *Downsampler) Run(ctx context.Context) error {
	_, err := d.scheduler.NewJob(
		gocron.DurationJob(d.interval),
		gocron.NewTask(func() {
			if err := d.runOnce(ctx); err != nil {
				clog.Errorf("downsample: run failed: %v", err)
				return
			}
			metrics.DownsampleRuns.Inc()
		}),
	)
	if err != nil {
		return err
	}
	d.scheduler.Start()
	<-ctx.Done()
	return d.scheduler.Shutdown()
}

func (d *Downsampler) runOnce(ctx context.Context) error {
	metrics, err := d.store.Search("*")
	if err != nil {
		return err
	}
	for _, metric := range metrics {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, tier := range d.policy.Tiers {
			if err := d.compactTier(ctx, metric, tier); err != nil {
				clog.Warnf("downsample: metric %s tier %s: %v", metric, tier.TargetSpan, err)
			}
		}
	}
	return nil
}

// compactTier merges every run of contiguous (within GapTolerance), old
// enough, not-yet-tier-sized windows into single windows no larger than
// TargetSpan.
func (d *Downsampler) compactTier(ctx context.Context, metric string, tier Tier) error {
	cutoff := d.now().Add(-tier.Age).Unix()

	seq, err := d.store.Fetch(ctx, metric, nil, &cutoff)
	if err != nil {
		return err
	}

	var run []windowstore.Window
	flush := func() error {
		if len(run) < 2 {
			run = run[:0]
			return nil
		}
		merged := run[0]
		acc := merged.Sketch
		for _, w := range run[1:] {
			if err := acc.Merge(w.Sketch); err != nil {
				return err
			}
		}
		merged.End = run[len(run)-1].End
		merged.Sketch = acc
		if err := d.store.ReplaceRange(metric, run[0].Start, merged.End, merged); err != nil {
			return err
		}
		run = run[:0]
		return nil
	}

	var flushErr error
	seq(func(w windowstore.Window) bool {
		if len(run) == 0 {
			run = append(run, w)
			return true
		}
		last := run[len(run)-1]
		contiguous := w.Start-last.End <= int64(tier.GapTolerance/time.Second)
		fitsSpan := w.End-run[0].Start <= int64(tier.TargetSpan/time.Second)
		alreadyTierSized := w.End-w.Start >= int64(tier.TargetSpan/time.Second)

		if alreadyTierSized {
			if flushErr = flush(); flushErr != nil {
				return false
			}
			return true
		}
		if contiguous && fitsSpan {
			run = append(run, w)
			return true
		}
		if flushErr = flush(); flushErr != nil {
			return false
		}
		run = append(run, w)
		return true
	})
	if flushErr != nil {
		return flushErr
	}
	return flush()
}
