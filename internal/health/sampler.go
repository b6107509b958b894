package health

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"embryo/internal/model"
)

const (
	DefaultDiskPath     = "/"
	DefaultLinkCapacity = 125_000_000 // 1 Gbit/s in bytes per second
)

// Sampler reads one utilisation snapshot.
type Sampler interface {
	Sample(ctx context.Context) (model.MetricsSnapshot, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (model.MetricsSnapshot, error)

func (f SamplerFunc) Sample(ctx context.Context) (model.MetricsSnapshot, error) {
	return f(ctx)
}

type ProcSamplerOptions struct {
	ProcMount    string
	DiskPath     string
	LinkCapacity float64
	Logger       *zap.Logger
	Now          func() time.Time
}

// counters are the raw OS reads. Each may fail independently.
type counters struct {
	cpu     func() (busy, total float64, err error)
	memory  func() (float64, error)
	disk    func(path string) (float64, error)
	network func() (uint64, error)
}

// ProcSampler reads CPU, memory and network from procfs and disk usage from
// statfs. A dimension whose read fails reports its last known value (0 before
// the first success); Sample only fails on context cancellation.
type ProcSampler struct {
	diskPath     string
	linkCapacity float64
	logger       *zap.Logger
	now          func() time.Time
	read         counters

	mu       sync.Mutex
	last     model.MetricsSnapshot
	cpuBusy  float64
	cpuTotal float64
	cpuSeen  bool
	netBytes uint64
	netAt    time.Time
	netSeen  bool
}

func NewProcSampler(opts ProcSamplerOptions) *ProcSampler {
	if opts.DiskPath == "" {
		opts.DiskPath = DefaultDiskPath
	}
	if opts.LinkCapacity <= 0 {
		opts.LinkCapacity = DefaultLinkCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mount := opts.ProcMount
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, fsErr := procfs.NewFS(mount)
	return &ProcSampler{
		diskPath:     opts.DiskPath,
		linkCapacity: opts.LinkCapacity,
		logger:       opts.Logger,
		now:          opts.Now,
		read:         procCounters(fs, fsErr),
	}
}

func (s *ProcSampler) Sample(ctx context.Context) (model.MetricsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.MetricsSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.MetricsSnapshot{
		CPU:     s.dimension("cpu", &s.last.CPU, s.readCPU),
		Memory:  s.dimension("memory", &s.last.Memory, s.read.memory),
		Disk:    s.dimension("disk", &s.last.Disk, func() (float64, error) { return s.read.disk(s.diskPath) }),
		Network: s.dimension("network", &s.last.Network, s.readNetwork),
	}
	return snap.Clamp(), nil
}

func (s *ProcSampler) dimension(name string, last *float64, read func() (float64, error)) float64 {
	v, err := read()
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = errors.New("non-finite reading")
	}
	if err != nil {
		s.logger.Debug("health read failed; using last known value",
			zap.String("dimension", name),
			zap.Float64("value", *last),
			zap.Error(err))
		return *last
	}
	*last = v
	return v
}

func (s *ProcSampler) readCPU() (float64, error) {
	busy, total, err := s.read.cpu()
	if err != nil {
		return 0, err
	}
	dBusy, dTotal := busy, total
	if s.cpuSeen {
		dBusy, dTotal = busy-s.cpuBusy, total-s.cpuTotal
	}
	s.cpuBusy, s.cpuTotal, s.cpuSeen = busy, total, true
	if dTotal <= 0 {
		return 0, errors.New("cpu counters did not advance")
	}
	return dBusy / dTotal * 100, nil
}

func (s *ProcSampler) readNetwork() (float64, error) {
	bytes, err := s.read.network()
	if err != nil {
		return 0, err
	}
	now := s.now()
	if !s.netSeen {
		s.netBytes, s.netAt, s.netSeen = bytes, now, true
		return 0, nil
	}
	elapsed := now.Sub(s.netAt).Seconds()
	var delta uint64
	if bytes >= s.netBytes {
		delta = bytes - s.netBytes
	}
	s.netBytes, s.netAt = bytes, now
	if elapsed <= 0 {
		return 0, errors.New("network sample interval is zero")
	}
	return float64(delta) / elapsed / s.linkCapacity * 100, nil
}

func procCounters(fs procfs.FS, fsErr error) counters {
	if fsErr != nil {
		return counters{
			cpu:     func() (float64, float64, error) { return 0, 0, fsErr },
			memory:  func() (float64, error) { return 0, fsErr },
			disk:    diskUtilisation,
			network: func() (uint64, error) { return 0, fsErr },
		}
	}
	return counters{
		cpu: func() (float64, float64, error) {
			stat, err := fs.Stat()
			if err != nil {
				return 0, 0, err
			}
			c := stat.CPUTotal
			idle := c.Idle + c.Iowait
			total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
			return total - idle, total, nil
		},
		memory: func() (float64, error) { return MemoryPercent(fs) },
		disk: diskUtilisation,
		network: func() (uint64, error) {
			dev, err := fs.NetDev()
			if err != nil {
				return 0, err
			}
			var total uint64
			for name, line := range dev {
				if name == "lo" {
					continue
				}
				total += line.RxBytes + line.TxBytes
			}
			return total, nil
		},
	}
}

// MemoryPercent is system memory in use, 1 - MemAvailable/MemTotal, in
// percent. Kernels without MemAvailable fall back to MemFree.
func MemoryPercent(fs procfs.FS) (float64, error) {
	info, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if info.MemTotal == nil || *info.MemTotal == 0 {
		return 0, errors.New("meminfo has no MemTotal")
	}
	available := info.MemAvailable
	if available == nil {
		available = info.MemFree
	}
	if available == nil {
		return 0, errors.New("meminfo has no MemAvailable")
	}
	return (1 - float64(*available)/float64(*info.MemTotal)) * 100, nil
}
