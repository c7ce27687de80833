package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of an app process.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for process resource sampling
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples CPU and memory of running apps.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceSampler(cfg SamplerConfig, logger *slog.Logger) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		logger:     logger,
		latest:     make(map[string]Usage),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of app processes."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of app processes."),
		numThreads: gauge("num_threads", "Number of threads of app processes."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of app processes (Unix only)."),
	}
}

func (s *ResourceSampler) IsEnabled() bool { return s.enabled }

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := register(r, c); err != nil {
			return err
		}
	}
	return nil
}

// Start samples the processes returned by running every interval until ctx
// is cancelled or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context, running func() map[string]int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(running())
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect samples every pid once and forgets apps no longer present.
func (s *ResourceSampler) Collect(procs map[string]int) {
	now := time.Now()
	results := make(map[string]Usage, len(procs))
	for name, pid := range procs {
		if pid <= 0 {
			continue
		}
		u, err := Sample(pid, now)
		if err != nil {
			s.logger.Debug("resource sample failed", "app", name, "pid", pid, "err", err)
			continue
		}
		results[name] = u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, u := range results {
		s.latest[name] = u
		s.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		s.memoryMB.WithLabelValues(name).Set(u.MemoryMB)
		s.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			s.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
	}
	for name := range s.latest {
		if _, ok := procs[name]; ok {
			continue
		}
		delete(s.latest, name)
		s.cpuPercent.DeleteLabelValues(name)
		s.memoryMB.DeleteLabelValues(name)
		s.numThreads.DeleteLabelValues(name)
		s.numFDs.DeleteLabelValues(name)
	}
}

// Latest returns the most recent sample of name.
func (s *ResourceSampler) Latest(name string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[name]
	return u, ok
}

// Sample reads CPU and memory figures of a single pid.
func Sample(pid int, at time.Time) (Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent may be imprecise on the first call
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	u := Usage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
		Timestamp:  at,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}
