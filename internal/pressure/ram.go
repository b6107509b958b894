package pressure

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"embryo/internal/health"
)

const (
	DefaultChunkMB = 10
	pageSize       = 4096
)

// RAMBurner grows a retained buffer one chunk at a time while system memory
// use stays under LimitPct, and idles for Interval otherwise. MaxBytes caps
// the buffer when non-zero. Stop releases everything it allocated.
type RAMBurner struct {
	LimitPct float64
	ChunkMB  int
	Interval time.Duration
	MaxBytes uint64
	Logger   *zap.Logger

	// usage reports system memory use in percent; nil reads /proc/meminfo.
	usage func() (float64, error)

	mu       sync.Mutex
	chunks   [][]byte
	retained uint64

	r runner
}

func (b *RAMBurner) Name() string { return "ram" }

type ramPlan struct {
	limit    float64
	chunk    uint64
	interval time.Duration
	maxBytes uint64
	usage    func() (float64, error)
	logger   *zap.Logger
}

func (b *RAMBurner) Start() error {
	plan := ramPlan{
		limit:    clampPct(b.LimitPct),
		chunk:    uint64(b.ChunkMB) << 20,
		interval: b.Interval,
		maxBytes: b.MaxBytes,
		usage:    b.usage,
		logger:   b.logger(),
	}
	if b.ChunkMB <= 0 {
		plan.chunk = DefaultChunkMB << 20
	}
	if plan.interval <= 0 {
		plan.interval = DefaultWindow
	}
	if plan.usage == nil {
		plan.usage = systemMemoryPercent
	}
	if err := b.r.start(func(ctx context.Context) { b.run(ctx, plan) }); err != nil {
		return err
	}
	plan.logger.Info("ram pressure started",
		zap.Float64("limit_pct", plan.limit),
		zap.String("chunk", humanize.IBytes(plan.chunk)),
	)
	return nil
}

func (b *RAMBurner) Stop() {
	b.r.stop()

	b.mu.Lock()
	released := b.retained
	b.chunks = nil
	b.retained = 0
	b.mu.Unlock()

	if released > 0 {
		b.logger().Info("ram pressure released", zap.String("bytes", humanize.IBytes(released)))
	}
}

func (b *RAMBurner) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// Retained is the number of bytes currently held.
func (b *RAMBurner) Retained() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained
}

func (b *RAMBurner) run(ctx context.Context, plan ramPlan) {
	for ctx.Err() == nil {
		used, err := plan.usage()
		if err != nil {
			plan.logger.Debug("memory usage unavailable", zap.Error(err))
			if !sleep(ctx, plan.interval) {
				return
			}
			continue
		}
		if used >= plan.limit || (plan.maxBytes > 0 && b.Retained()+plan.chunk > plan.maxBytes) {
			if !sleep(ctx, plan.interval) {
				return
			}
			continue
		}
		b.grow(plan.chunk)
	}
}

func (b *RAMBurner) grow(size uint64) {
	buf := make([]byte, size)
	// touch every page so the allocation is resident
	for i := 0; i < len(buf); i += pageSize {
		buf[i] = 1
	}
	b.mu.Lock()
	b.chunks = append(b.chunks, buf)
	b.retained += size
	b.mu.Unlock()
}

func systemMemoryPercent() (float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	return health.MemoryPercent(fs)
}
