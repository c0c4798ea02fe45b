package connectivity

import (
	"context"
	"math/rand"
	"time"

	"github.com/agentworkforce/tvsync/internal/logging"
)

// CheckFunc reports nil when the API answered.
type CheckFunc func(ctx context.Context) error

type ProberOptions struct {
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
	Logger         logging.Logger
}

// Prober drives a Monitor from a periodic health check.
type Prober struct {
	monitor *Monitor
	check   CheckFunc
	opts    ProberOptions
	rng     *rand.Rand
}

func NewProber(monitor *Monitor, check CheckFunc, opts ProberOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	opts.IntervalJitter = clampJitterRatio(opts.IntervalJitter)
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Prober{
		monitor: monitor,
		check:   check,
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ProbeOnce runs one check and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	err := p.check(ctx)
	online := err == nil
	if !online {
		p.opts.Logger.Debug(ctx, "health probe failed", "err", err)
	}
	if online != p.monitor.Online() {
		p.opts.Logger.Info(ctx, "connectivity changed", "online", online)
	}
	p.monitor.Set(online)
	return online
}

// Run probes immediately and then on a jittered interval until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)
	timer := time.NewTimer(jitteredIntervalWithSample(p.opts.Interval, p.opts.IntervalJitter, p.rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.ProbeOnce(ctx)
			timer.Reset(jitteredIntervalWithSample(p.opts.Interval, p.opts.IntervalJitter, p.rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
