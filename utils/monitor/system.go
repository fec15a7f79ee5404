package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

// SystemMonitor samples runtime health (goroutines, heap, GC) on a fixed
// interval and exports the readings as gauges on the given registry.
type SystemMonitor struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	interval time.Duration
	metrics  struct {
		memUsage    prometheus.Gauge
		goroutines  prometheus.Gauge
		heapObjects prometheus.Gauge
		heapAlloc   prometheus.Gauge
		gcPause     prometheus.Gauge
	}
	wg sync.WaitGroup
}

// Stats is a point-in-time snapshot of the monitored values.
type Stats struct {
	MemUsagePercent float64
	Goroutines      int
	HeapObjects     uint64
	HeapAlloc       uint64
	GCPauseSeconds  float64
}

// NewSystemMonitor creates a system monitor and starts its collection loop.
// An interval of zero defaults to one second.
func NewSystemMonitor(ctx context.Context, reg prometheus.Registerer, logger *zap.Logger, interval time.Duration) *SystemMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &SystemMonitor{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		interval: interval,
	}

	m.metrics.memUsage = metrics.Gauge(reg, "system", "memory_usage_percent", "Heap in use as a percentage of memory obtained from the OS")
	m.metrics.goroutines = metrics.Gauge(reg, "system", "goroutines", "Current number of goroutines")
	m.metrics.heapObjects = metrics.Gauge(reg, "system", "heap_objects", "Current number of allocated heap objects")
	m.metrics.heapAlloc = metrics.Gauge(reg, "system", "heap_alloc_bytes", "Bytes of allocated heap objects")
	m.metrics.gcPause = metrics.Gauge(reg, "system", "gc_pause_seconds", "Most recent GC stop-the-world pause")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor()
	}()

	return m
}

func (m *SystemMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *SystemMonitor) collect() {
	s := m.Snapshot()
	m.metrics.memUsage.Set(s.MemUsagePercent)
	m.metrics.goroutines.Set(float64(s.Goroutines))
	m.metrics.heapObjects.Set(float64(s.HeapObjects))
	m.metrics.heapAlloc.Set(float64(s.HeapAlloc))
	m.metrics.gcPause.Set(s.GCPauseSeconds)
}

// Snapshot reads the current runtime stats without touching the gauges.
func (m *SystemMonitor) Snapshot() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var memUsage float64
	if ms.Sys > 0 {
		memUsage = float64(ms.HeapInuse) / float64(ms.Sys) * 100
	}
	return Stats{
		MemUsagePercent: memUsage,
		Goroutines:      runtime.NumGoroutine(),
		HeapObjects:     ms.HeapObjects,
		HeapAlloc:       ms.HeapAlloc,
		GCPauseSeconds:  float64(ms.PauseNs[(ms.NumGC+255)%256]) / float64(time.Second),
	}
}

// Cleanup stops the collection loop and waits for it to exit.
func (m *SystemMonitor) Cleanup() error {
	m.cancel()
	m.wg.Wait()
	return nil
}
