package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for one process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessSampler periodically samples the processes returned by a lookup
// function (supervised children, daemons detected by the agent) and exports
// them as gauges labelled by name.
type ProcessSampler struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	last   map[string]ProcessMetrics
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewProcessSampler(interval time.Duration, logger *slog.Logger) *ProcessSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessSampler{
		interval: interval,
		log:      logger,
		last:     make(map[string]ProcessMetrics),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage of the process."),
		rss:      gauge("memory_rss_bytes", "Resident memory of the process."),
		threads:  gauge("threads", "Thread count of the process."),
		fds:      gauge("open_fds", "Open file descriptors of the process."),
	}
}

// Register adds the sampler gauges to r. Already registered gauges are kept.
func (s *ProcessSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss, s.threads, s.fds} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx ends or Stop is called.
func (s *ProcessSampler) Start(ctx context.Context, lookup func() map[string]int32) {
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
				s.Collect(lookup())
			}
		}
	}()
}

func (s *ProcessSampler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every named pid and forgets names no longer present.
func (s *ProcessSampler) Collect(pids map[string]int32) {
	now := time.Now()
	fresh := make(map[string]ProcessMetrics, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := sample(name, pid, now)
		if err != nil {
			s.log.Debug("process sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		fresh[name] = m
		s.cpu.WithLabelValues(name).Set(m.CPUPercent)
		s.rss.WithLabelValues(name).Set(float64(m.MemoryRSS))
		s.threads.WithLabelValues(name).Set(float64(m.NumThreads))
		if m.NumFDs > 0 {
			s.fds.WithLabelValues(name).Set(float64(m.NumFDs))
		}
	}

	s.mu.Lock()
	for name := range s.last {
		if _, ok := fresh[name]; !ok {
			s.cpu.DeleteLabelValues(name)
			s.rss.DeleteLabelValues(name)
			s.threads.DeleteLabelValues(name)
			s.fds.DeleteLabelValues(name)
		}
	}
	s.last = fresh
	s.mu.Unlock()
}

// Last returns the most recent sample for name.
func (s *ProcessSampler) Last(name string) (ProcessMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.last[name]
	return m, ok
}

func sample(name string, pid int32, at time.Time) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m := ProcessMetrics{PID: pid, Name: name, MemoryRSS: mem.RSS, Timestamp: at}
	// CPUPercent needs a previous call for accuracy; a zero first reading is fine
	if cpu, err := proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}
