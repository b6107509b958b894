// Package pressure runs background CPU and memory load so the mutation loop
// can be exercised under contention. Generators share no state with the loop.
package pressure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultWindow = time.Second

var ErrAlreadyStarted = errors.New("generator already started")

type Generator interface {
	Name() string
	Start() error
	Stop()
}

// runner owns the start/stop lifecycle of one background goroutine.
type runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *runner) start(run func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		run(ctx)
	}()
	return nil
}

// stop cancels the goroutine and waits for it. Safe to call repeatedly.
func (r *runner) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// sleep waits for d or until ctx is done, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func clampPct(pct float64) float64 {
	if pct != pct || pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Spawn starts a CPU throttler and/or RAM burner for every positive
// percentage and returns them so the caller can stop them later.
func Spawn(cpuPct, ramPct float64, logger *zap.Logger) ([]Generator, error) {
	var generators []Generator
	if cpuPct > 0 {
		generators = append(generators, &CPUThrottler{LimitPct: cpuPct, Logger: logger})
	}
	if ramPct > 0 {
		generators = append(generators, &RAMBurner{LimitPct: ramPct, Logger: logger})
	}
	for i, g := range generators {
		if err := g.Start(); err != nil {
			StopAll(generators[:i])
			return nil, fmt.Errorf("start %s generator: %w", g.Name(), err)
		}
	}
	return generators, nil
}

func StopAll(generators []Generator) {
	for _, g := range generators {
		g.Stop()
	}
}
