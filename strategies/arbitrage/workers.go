package arbitrage

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

// WorkerPool runs search tasks on a fixed set of goroutines with a
// bounded queue. Workers can optionally be pinned to CPU cores so a hot
// traversal is not migrated mid-search.
type WorkerPool struct {
	logger  *zap.Logger
	workers int
	pin     bool
	queue   chan func()
	wg      sync.WaitGroup

	metrics struct {
		tasks prometheus.Counter
		depth prometheus.Gauge
	}
}

// NewWorkerPool sizes the pool. Pinning beyond the machine's core count
// wraps around rather than failing.
func NewWorkerPool(workers, queueSize int, pin bool, reg prometheus.Registerer, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		logger:  logger,
		workers: workers,
		pin:     pin,
		queue:   make(chan func(), queueSize),
	}
	p.metrics.tasks = metrics.Counter(reg, "search", "worker_tasks_total", "Tasks executed by the search worker pool")
	p.metrics.depth = metrics.Gauge(reg, "search", "worker_queue_depth", "Search tasks waiting for a worker")
	return p
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	if p.pin && p.workers > runtime.NumCPU() {
		p.logger.Warn("more pinned workers than cores, pin assignments wrap",
			zap.Int("workers", p.workers),
			zap.Int("cores", runtime.NumCPU()))
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a task, blocking while the queue is full. Tasks must not
// submit further tasks or the pool can deadlock.
func (p *WorkerPool) Submit(task func()) {
	p.queue <- task
	p.metrics.depth.Set(float64(len(p.queue)))
}

// Stop drains the queue and waits for the workers to exit. No Submit may
// race or follow it.
func (p *WorkerPool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	if p.pin {
		pinThread(id, p.logger)
	}
	for task := range p.queue {
		task()
		p.metrics.tasks.Inc()
		p.metrics.depth.Set(float64(len(p.queue)))
	}
}
