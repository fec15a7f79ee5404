package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/claims"
	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/ingest"
	"github.com/michaelpento.lv/arbengine/profit"
	"github.com/michaelpento.lv/arbengine/types"
	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

const (
	defaultWindowBlocks  = 2
	defaultStatusPoll    = 200 * time.Millisecond
	defaultGrace         = 500 * time.Millisecond
	defaultResultsBuffer = 64
)

// Config tunes the execution window and inclusion tracking.
type Config struct {
	// WindowBlocks is how many blocks a bundle stays valid from its target.
	WindowBlocks uint64
	// StatusPoll is the inclusion poll interval between head events.
	StatusPoll time.Duration
	// Grace is how long after the window closes relay status is still
	// trusted before the bundle is declared expired.
	Grace time.Duration
}

// Coordinator consumes claimed opportunities and drives each one to a
// terminal state: re-validate against the current snapshot, build and sign
// the bundle, fan out to every relay, then track inclusion until the block
// window resolves it. Each opportunity is handled by its own goroutine;
// the claim registry already guarantees no two of them overlap on the same
// pools.
type Coordinator struct {
	logger    *zap.Logger
	store     *graph.Store
	estimator *profit.Estimator
	registry  *claims.Registry
	tracker   *gas.Tracker
	builder   *BundleBuilder
	signer    *BundleSigner
	relays    []RelayClient
	cfg       Config

	in      <-chan *types.Opportunity
	heads   <-chan ingest.HeadEvent
	results chan *types.Opportunity

	mu     sync.Mutex
	head   uint64
	headCh chan struct{}

	wg sync.WaitGroup

	metrics struct {
		received     prometheus.Counter
		outcomes     *prometheus.CounterVec
		submissions  *prometheus.CounterVec
		latency      prometheus.Histogram
		inflight     prometheus.Gauge
		confirmedUSD prometheus.Counter
	}
}

// NewCoordinator wires the execution tail together. in delivers claimed
// opportunities (the search engine's output), heads delivers chain head
// events from ingestion.
func NewCoordinator(
	store *graph.Store,
	estimator *profit.Estimator,
	registry *claims.Registry,
	tracker *gas.Tracker,
	builder *BundleBuilder,
	signer *BundleSigner,
	relays []RelayClient,
	in <-chan *types.Opportunity,
	heads <-chan ingest.HeadEvent,
	cfg Config,
	reg prometheus.Registerer,
	logger *zap.Logger,
) (*Coordinator, error) {
	if store == nil || estimator == nil || registry == nil || tracker == nil {
		return nil, errors.New("coordinator requires store, estimator, registry and tracker")
	}
	if builder == nil || signer == nil {
		return nil, errors.New("coordinator requires a bundle builder and signer")
	}
	if len(relays) == 0 {
		return nil, errors.New("coordinator requires at least one relay")
	}
	if in == nil {
		return nil, errors.New("coordinator requires an opportunity source")
	}
	if cfg.WindowBlocks == 0 {
		cfg.WindowBlocks = defaultWindowBlocks
	}
	if cfg.StatusPoll <= 0 {
		cfg.StatusPoll = defaultStatusPoll
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		logger:    logger,
		store:     store,
		estimator: estimator,
		registry:  registry,
		tracker:   tracker,
		builder:   builder,
		signer:    signer,
		relays:    relays,
		cfg:       cfg,
		in:        in,
		heads:     heads,
		results:   make(chan *types.Opportunity, defaultResultsBuffer),
		headCh:    make(chan struct{}),
	}
	c.metrics.received = metrics.Counter(reg, "executor", "opportunities_total", "Claimed opportunities received")
	c.metrics.outcomes = metrics.CounterVec(reg, "executor", "outcomes_total", "Terminal opportunity states", "outcome")
	c.metrics.submissions = metrics.CounterVec(reg, "executor", "relay_submissions_total", "Bundle submissions by relay and result", "relay", "result")
	c.metrics.latency = metrics.Histogram(reg, "executor", "submit_seconds", "Relay submission round-trip time", metrics.LatencyBuckets())
	c.metrics.inflight = metrics.Gauge(reg, "executor", "inflight", "Opportunities currently executing")
	c.metrics.confirmedUSD = metrics.Counter(reg, "executor", "confirmed_profit_usd_total", "Estimated USD profit of confirmed bundles")
	return c, nil
}

// Results delivers terminal opportunities for observability. The channel
// closes on shutdown; slow consumers miss events rather than blocking the
// coordinator.
func (c *Coordinator) Results() <-chan *types.Opportunity { return c.results }

// Run consumes opportunities and head events until the context ends, then
// waits for in-flight executions to note the shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.advance(c.tracker.Head())
	c.logger.Info("execution coordinator running",
		zap.Int("relays", len(c.relays)),
		zap.Uint64("window_blocks", c.cfg.WindowBlocks),
		zap.Duration("status_poll", c.cfg.StatusPoll))

	in, heads := c.in, c.heads
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			close(c.results)
			return nil
		case h, ok := <-heads:
			if !ok {
				heads = nil
				continue
			}
			c.advance(h.Block)
		case o, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			c.metrics.received.Inc()
			c.metrics.inflight.Inc()
			c.wg.Add(1)
			go func(o *types.Opportunity) {
				defer c.wg.Done()
				defer c.metrics.inflight.Dec()
				c.execute(ctx, o)
			}(o)
		}
	}
}

func (c *Coordinator) advance(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block <= c.head {
		return
	}
	c.head = block
	close(c.headCh)
	c.headCh = make(chan struct{})
}

func (c *Coordinator) currentHead() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// headWait returns a channel closed on the next head advance.
func (c *Coordinator) headWait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headCh
}

// execute drives one claimed opportunity to its terminal state.
func (c *Coordinator) execute(ctx context.Context, o *types.Opportunity) {
	hops, est, err := c.revalidate(o)
	if err != nil {
		c.logger.Info("opportunity failed re-validation",
			zap.String("id", o.ID),
			zap.Error(err))
		c.registry.Release(o.Ticket)
		c.finish(o, types.Expired, "revalidation", false)
		return
	}
	if !c.registry.Owns(o.Ticket) {
		c.finish(o, types.Superseded, "claim lost before submission", false)
		return
	}

	head := c.currentHead()
	if head < o.Block {
		head = o.Block
	}
	target := head + 1
	bundle, err := c.builder.Build(o, hops, est.Loan, c.estimator.MinProfit(), target, target+c.cfg.WindowBlocks-1)
	if err != nil {
		c.logger.Error("bundle build failed",
			zap.String("id", o.ID),
			zap.Error(err))
		c.registry.Release(o.Ticket)
		c.finish(o, types.Expired, "bundle build failed", false)
		return
	}
	sig := c.signer.Sign(bundle)

	// Pin the claim so a supersession cannot race the fan-out.
	if !c.registry.MarkSubmitted(o.Ticket) {
		c.finish(o, types.Superseded, "claim lost before submission", false)
		return
	}
	c.track(ctx, o, bundle, sig)
}

// revalidate re-walks the path on the current snapshot and re-prices it.
// The opportunity was priced on an older snapshot; stale pricing must not
// reach a relay.
func (c *Coordinator) revalidate(o *types.Opportunity) ([]types.Hop, *profit.Estimate, error) {
	snap := c.store.Current()
	defer snap.Release()

	ids := make([]string, len(o.Hops))
	for i, h := range o.Hops {
		ids[i] = h.PoolID
	}
	hops, gross, err := profit.WalkPath(snap, o.BaseToken, ids, c.estimator.Loan())
	if err != nil {
		return nil, nil, err
	}
	est := c.estimator.Estimate(gross, c.tracker.EstimateBundleGas(len(hops)), c.tracker.GasPrice())
	if !est.Profitable {
		return nil, nil, fmt.Errorf("net %s now below threshold", est.Net)
	}
	return hops, est, nil
}

// track fans the bundle out and follows it until the window resolves.
// Relays that fail at the transport level are retried while the window is
// open; rejections take a relay out of the running permanently.
func (c *Coordinator) track(ctx context.Context, o *types.Opportunity, bundle *types.ExecutionBundle, sig hexutil.Bytes) {
	hash := bundle.Hash()
	pending := make(map[string]RelayClient, len(c.relays))
	for _, r := range c.relays {
		pending[r.Name()] = r
	}
	var accepted []RelayClient

	ticker := time.NewTicker(c.cfg.StatusPoll)
	defer ticker.Stop()
	var closedAt time.Time

	for {
		head := c.currentHead()
		if len(accepted) == 0 && len(pending) > 0 && bundle.WindowOpen(head) {
			newly := c.fanout(ctx, bundle, sig, pending)
			if len(newly) > 0 && len(accepted) == 0 {
				if err := o.Transition(types.Submitted, ""); err == nil {
					c.logger.Info("bundle submitted",
						zap.String("id", o.ID),
						zap.String("bundle", hash.Hex()),
						zap.Uint64("target_block", bundle.TargetBlock),
						zap.Uint64("max_block", bundle.MaxBlock),
						zap.Int("relays", len(newly)))
				}
			}
			accepted = append(accepted, newly...)
			if len(accepted) == 0 && len(pending) == 0 {
				c.finish(o, types.Expired, "all relays rejected the bundle", true)
				return
			}
		}

		for _, r := range accepted {
			status, err := r.BundleStatus(ctx, hash, bundle.TargetBlock)
			if err != nil {
				c.logger.Debug("bundle status poll failed",
					zap.String("relay", r.Name()),
					zap.Error(err))
				continue
			}
			switch status {
			case StatusIncluded:
				c.finish(o, types.Confirmed, "", true)
				return
			case StatusReverted:
				c.finish(o, types.Reverted, "bundle reverted on chain", true)
				return
			}
		}

		if head = c.currentHead(); head > bundle.MaxBlock {
			if len(accepted) == 0 {
				c.finish(o, types.Expired, "no relay accepted within the window", true)
				return
			}
			if closedAt.IsZero() {
				closedAt = time.Now()
			} else if time.Since(closedAt) >= c.cfg.Grace {
				c.finish(o, types.Expired, "window closed without inclusion", true)
				return
			}
		}

		select {
		case <-ctx.Done():
			// The relays keep or drop the bundle on their own; no
			// terminal state is invented for an outcome we won't see.
			c.logger.Info("shutdown with bundle in flight",
				zap.String("id", o.ID),
				zap.String("bundle", hash.Hex()))
			return
		case <-ticker.C:
		case <-c.headWait():
		}
	}
}

// fanout submits to every pending relay in parallel. Accepted and rejected
// relays leave the pending set; transport failures stay for the next round.
func (c *Coordinator) fanout(ctx context.Context, bundle *types.ExecutionBundle, sig hexutil.Bytes, pending map[string]RelayClient) []RelayClient {
	targets := make([]RelayClient, 0, len(pending))
	for _, r := range pending {
		targets = append(targets, r)
	}

	var mu sync.Mutex
	var accepted []RelayClient
	var wg sync.WaitGroup
	for _, r := range targets {
		wg.Add(1)
		go func(r RelayClient) {
			defer wg.Done()
			start := time.Now()
			err := r.SubmitBundle(ctx, bundle, sig)
			c.metrics.latency.Observe(time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				delete(pending, r.Name())
				accepted = append(accepted, r)
				c.metrics.submissions.WithLabelValues(r.Name(), "accepted").Inc()
			case IsRejection(err):
				delete(pending, r.Name())
				c.metrics.submissions.WithLabelValues(r.Name(), "rejected").Inc()
				c.logger.Warn("relay rejected bundle",
					zap.String("relay", r.Name()),
					zap.String("id", bundle.OpportunityID),
					zap.Error(err))
			default:
				c.metrics.submissions.WithLabelValues(r.Name(), "error").Inc()
				c.logger.Warn("relay submission failed",
					zap.String("relay", r.Name()),
					zap.String("id", bundle.OpportunityID),
					zap.Error(err))
			}
		}(r)
	}
	wg.Wait()
	return accepted
}

// finish records the terminal state exactly once and, when this side still
// owns the claim, retires it.
func (c *Coordinator) finish(o *types.Opportunity, state types.OpportunityState, reason string, complete bool) {
	if err := o.Transition(state, reason); err != nil {
		c.logger.Error("terminal transition failed",
			zap.String("id", o.ID),
			zap.Error(err))
		return
	}
	if complete {
		c.registry.Complete(o.Ticket)
	}
	c.metrics.outcomes.WithLabelValues(state.String()).Inc()
	if state == types.Confirmed {
		c.metrics.confirmedUSD.Add(o.NetUSD.InexactFloat64())
	}
	c.logger.Info("opportunity "+state.String(),
		zap.String("id", o.ID),
		zap.String("path", o.Path()),
		zap.String("net", o.Net.String()),
		zap.String("reason", reason),
		zap.Uint64("block", o.Block))
	select {
	case c.results <- o:
	default:
	}
}
