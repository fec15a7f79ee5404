package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/claims"
	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/profit"
	"github.com/michaelpento.lv/arbengine/types"
	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

const defaultEmitBuffer = 64

// Config sizes the search.
type Config struct {
	// MaxHops bounds cycle length, inclusive.
	MaxHops int
	// Deadline is the per-snapshot traversal budget.
	Deadline time.Duration
	// BreakEvenMarginBps is the value-loss headroom allowed beyond pool
	// fees before a branch is pruned.
	BreakEvenMarginBps uint32
	// Workers and QueueSize shape the worker pool; PinWorkers pins them
	// to cores on Linux.
	Workers    int
	QueueSize  int
	PinWorkers bool
	// ClaimWindowBlocks is the block-window span baked into claim keys.
	ClaimWindowBlocks uint64
	// EmitBuffer bounds the channel to the execution coordinator.
	EmitBuffer int
}

// Engine owns the search lifecycle: it watches the store for new
// snapshots, runs at most one search at a time, and hands claimed
// opportunities to the coordinator. Trigger storms during a search
// coalesce; the skipped generations are counted.
type Engine struct {
	logger    *zap.Logger
	store     *graph.Store
	tracker   *gas.Tracker
	estimator *profit.Estimator
	registry  *claims.Registry
	pool      *WorkerPool
	cfg       Config

	base    int32
	lastSeq uint64
	out     chan *types.Opportunity

	metrics struct {
		searches   prometheus.Counter
		duration   prometheus.Histogram
		skipped    prometheus.Counter
		deadlines  prometheus.Counter
		nodes      prometheus.Counter
		pruned     prometheus.Counter
		candidates *prometheus.CounterVec
	}
}

// NewEngine wires the search against its collaborators. The base token
// comes from the estimator so search and economics cannot disagree.
func NewEngine(store *graph.Store, tracker *gas.Tracker, estimator *profit.Estimator, registry *claims.Registry, cfg Config, reg prometheus.Registerer, logger *zap.Logger) (*Engine, error) {
	if store == nil || tracker == nil || estimator == nil || registry == nil {
		return nil, errors.New("engine requires store, tracker, estimator and registry")
	}
	if cfg.MaxHops < 2 {
		return nil, fmt.Errorf("max hops %d below the minimum cycle length", cfg.MaxHops)
	}
	if cfg.Deadline <= 0 {
		return nil, errors.New("search deadline must be positive")
	}
	if cfg.ClaimWindowBlocks == 0 {
		cfg.ClaimWindowBlocks = 1
	}
	if cfg.EmitBuffer <= 0 {
		cfg.EmitBuffer = defaultEmitBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		logger:    logger,
		store:     store,
		tracker:   tracker,
		estimator: estimator,
		registry:  registry,
		pool:      NewWorkerPool(cfg.Workers, cfg.QueueSize, cfg.PinWorkers, reg, logger),
		cfg:       cfg,
		base:      estimator.BaseToken(),
		out:       make(chan *types.Opportunity, cfg.EmitBuffer),
	}
	e.metrics.searches = metrics.Counter(reg, "search", "searches_total", "Snapshot searches run")
	e.metrics.duration = metrics.Histogram(reg, "search", "duration_seconds", "Wall time of one snapshot search", metrics.LatencyBuckets())
	e.metrics.skipped = metrics.Counter(reg, "search", "triggers_skipped_total", "Snapshot generations coalesced while a search was active")
	e.metrics.deadlines = metrics.Counter(reg, "search", "deadline_exceeded_total", "Searches aborted and discarded at the deadline")
	e.metrics.nodes = metrics.Counter(reg, "search", "nodes_visited_total", "Pool traversals priced across all searches")
	e.metrics.pruned = metrics.Counter(reg, "search", "branches_pruned_total", "Branches abandoned below the break-even value ratio")
	e.metrics.candidates = metrics.CounterVec(reg, "search", "candidates_total", "Cycle candidates by outcome", "outcome")
	return e, nil
}

// Opportunities is the stream of claimed opportunities, closed when the
// engine stops.
func (e *Engine) Opportunities() <-chan *types.Opportunity { return e.out }

// Run drives the engine until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start()
	defer e.pool.Stop()
	sub := e.store.Subscribe()

	e.logger.Info("search engine running",
		zap.String("base", e.estimatorSymbol()),
		zap.Int("max_hops", e.cfg.MaxHops),
		zap.Duration("deadline", e.cfg.Deadline),
		zap.Int("workers", e.pool.workers),
		zap.Bool("pinned", e.cfg.PinWorkers))

	// The genesis snapshot can already contain a cycle worth taking.
	e.searchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			close(e.out)
			return nil
		case seq := <-sub:
			if seq <= e.lastSeq {
				continue
			}
			if gap := seq - e.lastSeq - 1; gap > 0 {
				e.metrics.skipped.Add(float64(gap))
			}
			e.searchOnce(ctx)
		}
	}
}

func (e *Engine) estimatorSymbol() string {
	snap := e.store.Current()
	defer snap.Release()
	return snap.Token(e.base).Symbol
}

// searchOnce runs one full search against the latest snapshot and
// dispatches its candidates in order.
func (e *Engine) searchOnce(ctx context.Context) {
	snap := e.store.Current()
	defer snap.Release()
	e.lastSeq = snap.Seq()

	start := time.Now()
	cands, err := e.search(ctx, snap)
	e.metrics.searches.Inc()
	e.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, errDeadline) {
			e.metrics.deadlines.Inc()
			e.logger.Warn("search deadline exceeded, snapshot results discarded",
				zap.Uint64("seq", snap.Seq()),
				zap.Duration("deadline", e.cfg.Deadline))
		}
		return
	}
	for _, c := range cands {
		e.dispatch(c)
	}
}

// search fans the first-hop subtrees across the worker pool and merges
// the per-task results into the canonical order. Any deadline abort
// discards the whole set.
func (e *Engine) search(ctx context.Context, snap *graph.Snapshot) ([]*candidate, error) {
	edges := snap.Edges(e.base)
	if len(edges) == 0 {
		return nil, nil
	}

	var stop atomic.Bool
	timer := time.AfterFunc(e.cfg.Deadline, func() { stop.Store(true) })
	defer timer.Stop()

	params := searchParams{
		base:      e.base,
		maxHops:   e.cfg.MaxHops,
		marginBps: e.cfg.BreakEvenMarginBps,
		gasPrice:  e.tracker.GasPrice(),
		estimator: e.estimator,
		tracker:   e.tracker,
		stop:      &stop,
	}

	finders := make([]*pathFinder, len(edges))
	errs := make([]error, len(edges))
	var wg sync.WaitGroup
	for i := range edges {
		f := newPathFinder(snap, params)
		finders[i] = f
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			errs[i] = f.run(edges[i])
		})
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cands []*candidate
	var nodes, pruned, rejected int64
	var firstErr error
	for i, f := range finders {
		nodes += f.nodes
		pruned += f.pruned
		rejected += f.rejected
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
		cands = append(cands, f.found...)
	}
	e.metrics.nodes.Add(float64(nodes))
	e.metrics.pruned.Add(float64(pruned))
	if rejected > 0 {
		e.metrics.candidates.WithLabelValues("below_threshold").Add(float64(rejected))
	}
	if firstErr != nil {
		return nil, firstErr
	}
	sortCandidates(cands)
	return cands, nil
}

// dispatch validates, claims and emits one candidate. Claim losers are
// dropped here; they were someone else's opportunity first.
func (e *Engine) dispatch(c *candidate) {
	o := c.opp
	if err := o.Transition(types.Validated, ""); err != nil {
		e.logger.Error("candidate in unexpected state", zap.String("id", o.ID), zap.Error(err))
		return
	}

	window := claims.WindowFor(o.Block+1, e.cfg.ClaimWindowBlocks)
	outcome, ticket := e.registry.TryClaim(o.Key(window), o.Net)
	if outcome == claims.AlreadyClaimed {
		e.metrics.candidates.WithLabelValues("duplicate").Inc()
		return
	}

	o.Ticket = ticket
	if err := o.Transition(types.Claimed, ""); err != nil {
		e.registry.Release(ticket)
		return
	}
	select {
	case e.out <- o:
		e.metrics.candidates.WithLabelValues("emitted").Inc()
		e.logger.Info("opportunity claimed",
			zap.String("id", o.ID),
			zap.String("path", o.Path()),
			zap.String("net", o.Net.String()),
			zap.String("net_usd", o.NetUSD.StringFixed(2)),
			zap.Float64("confidence", o.Confidence),
			zap.Int("hops", len(o.Hops)),
			zap.Uint64("seq", o.SnapshotSeq))
	default:
		e.registry.Release(ticket)
		if err := o.Transition(types.Expired, "executor backlog"); err == nil {
			e.metrics.candidates.WithLabelValues("backlog_dropped").Inc()
		}
		e.logger.Warn("opportunity dropped, executor backlog", zap.String("id", o.ID))
	}
}
