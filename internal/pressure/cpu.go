package pressure

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

const cpuSlice = 10 * time.Millisecond

// CPUThrottler holds the process near LimitPct of one core. Each Window is
// split into short slices that spin for the busy share and sleep for the
// rest; once the process's own CPU time in the window reaches the target the
// remainder of the window is slept through.
type CPUThrottler struct {
	LimitPct float64
	Window   time.Duration
	Logger   *zap.Logger

	// cpuTime reports process CPU time; nil uses /proc/self/stat.
	cpuTime func() (time.Duration, error)

	r runner
}

func (c *CPUThrottler) Name() string { return "cpu" }

type cpuPlan struct {
	share   float64
	window  time.Duration
	cpuTime func() (time.Duration, error)
	logger  *zap.Logger
}

func (c *CPUThrottler) Start() error {
	plan := cpuPlan{
		share:   clampPct(c.LimitPct) / 100,
		window:  c.Window,
		cpuTime: c.cpuTime,
		logger:  c.Logger,
	}
	if plan.window <= 0 {
		plan.window = DefaultWindow
	}
	if plan.cpuTime == nil {
		plan.cpuTime = selfCPUTime
	}
	if plan.logger == nil {
		plan.logger = zap.NewNop()
	}
	if err := c.r.start(func(ctx context.Context) { plan.run(ctx) }); err != nil {
		return err
	}
	plan.logger.Info("cpu pressure started",
		zap.Float64("limit_pct", plan.share*100),
		zap.Duration("window", plan.window),
	)
	return nil
}

func (c *CPUThrottler) Stop() {
	c.r.stop()
}

func (c *CPUThrottler) Running() bool { return c.r.running() }

func (p cpuPlan) run(ctx context.Context) {
	target := time.Duration(p.share * float64(p.window))
	for ctx.Err() == nil {
		windowStart := time.Now()
		startCPU, cpuErr := p.cpuTime()
		if cpuErr != nil {
			p.logger.Debug("process cpu time unavailable", zap.Error(cpuErr))
		}
		var burned time.Duration

		for {
			elapsed := time.Since(windowStart)
			if elapsed >= p.window {
				break
			}
			used := burned
			if cpuErr == nil {
				if now, err := p.cpuTime(); err == nil {
					used = now - startCPU
				}
			}
			if used >= target {
				if !sleep(ctx, p.window-elapsed) {
					return
				}
				break
			}

			busy := time.Duration(p.share * float64(cpuSlice))
			if remaining := target - used; busy > remaining {
				busy = remaining
			}
			burned += spin(busy)
			if !sleep(ctx, cpuSlice-busy) {
				return
			}
		}
	}
}

// spin keeps the goroutine on-CPU for d by the monotonic clock.
func spin(d time.Duration) time.Duration {
	start := time.Now()
	for time.Since(start) < d {
		for i := 0; i < 1000; i++ {
		}
		runtime.Gosched()
	}
	return time.Since(start)
}

func selfCPUTime() (time.Duration, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return time.Duration(stat.CPUTime() * float64(time.Second)), nil
}
