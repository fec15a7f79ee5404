package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

const (
	dedupEntries  = 8192
	headQueueSize = 16
)

// Adapter drives every configured feed: one goroutine per feed reads,
// deduplicates, normalizes, and routes. Pool state goes to the graph
// store, fee and head data to the gas tracker, and advanced heads to the
// Heads channel consumed by the execution side.
type Adapter struct {
	logger  *zap.Logger
	store   *graph.Store
	tracker *gas.Tracker
	feeds   []Feed
	decoder *SwapDecoder
	dedup   *lru.Cache
	heads   chan HeadEvent

	reconnectBase time.Duration
	reconnectCap  time.Duration

	metrics struct {
		received   *prometheus.CounterVec
		dropped    *prometheus.CounterVec
		reconnects *prometheus.CounterVec
	}

	wg sync.WaitGroup
}

// NewAdapter wires the feeds into the store and tracker. The adapter does
// not own either; it only pushes into them.
func NewAdapter(store *graph.Store, tracker *gas.Tracker, feeds []Feed, reg prometheus.Registerer, logger *zap.Logger) (*Adapter, error) {
	if store == nil || tracker == nil {
		return nil, errors.New("ingest requires a store and a gas tracker")
	}
	if len(feeds) == 0 {
		return nil, errors.New("ingest requires at least one feed")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	decoder, err := NewSwapDecoder()
	if err != nil {
		return nil, err
	}
	dedup, err := lru.New(dedupEntries)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		logger:        logger,
		store:         store,
		tracker:       tracker,
		feeds:         feeds,
		decoder:       decoder,
		dedup:         dedup,
		heads:         make(chan HeadEvent, headQueueSize),
		reconnectBase: defaultBackoffBase,
		reconnectCap:  defaultBackoffCap,
	}
	a.metrics.received = metrics.CounterVec(reg, "ingest", "events_total", "Feed messages received", "feed")
	a.metrics.dropped = metrics.CounterVec(reg, "ingest", "dropped_total", "Feed messages dropped", "reason")
	a.metrics.reconnects = metrics.CounterVec(reg, "ingest", "reconnects_total", "Feed reconnect attempts", "feed")
	return a, nil
}

// Heads delivers advanced chain heads. The channel is never closed; late
// consumers only miss events, they never deadlock the adapter.
func (a *Adapter) Heads() <-chan HeadEvent { return a.heads }

// Run starts one loop per feed and blocks until the context is cancelled
// and every loop has exited.
func (a *Adapter) Run(ctx context.Context) error {
	for _, f := range a.feeds {
		a.wg.Add(1)
		go func(f Feed) {
			defer a.wg.Done()
			a.runFeed(ctx, f)
		}(f)
	}
	a.wg.Wait()
	return nil
}

// runFeed owns one feed: connect with jittered backoff, read until the
// transport fails, reconnect. Errors are never fatal after startup.
func (a *Adapter) runFeed(ctx context.Context, f Feed) {
	defer f.Close()
	bo := newBackoff(a.reconnectBase, a.reconnectCap)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.metrics.reconnects.WithLabelValues(f.Name()).Inc()
			delay := bo.Next()
			a.logger.Warn("feed connect failed",
				zap.String("feed", f.Name()),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		bo.Reset()
		a.logger.Info("feed connected", zap.String("feed", f.Name()))

		for {
			raw, err := f.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.metrics.reconnects.WithLabelValues(f.Name()).Inc()
				a.logger.Warn("feed read failed",
					zap.String("feed", f.Name()),
					zap.Error(err))
				break
			}
			a.dispatch(f.Name(), raw)
		}
	}
}

// dispatch routes one raw message. Malformed input is dropped whole; a
// message never half-applies.
func (a *Adapter) dispatch(feed string, raw []byte) {
	a.metrics.received.WithLabelValues(feed).Inc()

	env, err := decodeEnvelope(raw)
	if err != nil {
		a.drop(feed, "malformed", err)
		return
	}
	switch env.Type {
	case MsgPoolState:
		var u graph.PoolUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil {
			a.drop(feed, "malformed", err)
			return
		}
		if err := u.Validate(); err != nil {
			a.drop(feed, "malformed", err)
			return
		}
		a.offer(feed, &u)
	case MsgPendingSwap:
		var ps PendingSwap
		if err := json.Unmarshal(env.Data, &ps); err != nil {
			a.drop(feed, "malformed", err)
			return
		}
		u, err := a.projectPendingSwap(&ps)
		if err != nil {
			a.drop(feed, "undecodable", err)
			return
		}
		a.offer(feed, u)
	case MsgHead:
		var h HeadEvent
		if err := json.Unmarshal(env.Data, &h); err != nil {
			a.drop(feed, "malformed", err)
			return
		}
		a.observeHead(h)
	default:
		a.drop(feed, "unknown_type", fmt.Errorf("unknown message type %q", env.Type))
	}
}

// offer pushes a pool update through dedup into the store without ever
// blocking the feed loop.
func (a *Adapter) offer(feed string, u *graph.PoolUpdate) {
	key := fmt.Sprintf("%s|%s|%s|%d|%d", feed, u.PoolID, u.Source, u.Block, u.Seq)
	if seen, _ := a.dedup.ContainsOrAdd(key, struct{}{}); seen {
		a.metrics.dropped.WithLabelValues("duplicate").Inc()
		return
	}
	u.Feed = feed
	u.ReceivedAt = time.Now()
	if !a.store.Offer(*u) {
		a.metrics.dropped.WithLabelValues("backpressure").Inc()
		a.logger.Warn("store queue full, update dropped",
			zap.String("feed", feed),
			zap.String("pool", u.PoolID))
	}
}

// projectPendingSwap turns decoded router calldata into a provisional
// reserve update against the current snapshot. Only constant-product
// venues project cleanly from a single intent.
func (a *Adapter) projectPendingSwap(ps *PendingSwap) (*graph.PoolUpdate, error) {
	intent, err := a.decoder.Decode(ps.Calldata)
	if err != nil {
		return nil, err
	}
	snap := a.store.Current()
	defer snap.Release()

	p, ok := snap.PoolByID(ps.PoolID)
	if !ok {
		return nil, fmt.Errorf("pending swap for unknown pool %s", ps.PoolID)
	}
	if p.Kind != graph.ConstantProduct {
		return nil, fmt.Errorf("pool %s: cannot project pending state for %s venue", ps.PoolID, p.Kind)
	}
	var tokenIn int32
	switch intent.TokenIn {
	case snap.Token(p.Token0).Address:
		tokenIn = p.Token0
	case snap.Token(p.Token1).Address:
		tokenIn = p.Token1
	default:
		return nil, fmt.Errorf("pool %s: swap input %s is not a pool token", ps.PoolID, intent.TokenIn.Hex())
	}
	out, err := p.AmountOut(tokenIn, intent.AmountIn, snap.Tokens())
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", ps.PoolID, err)
	}

	r0 := new(big.Int).Set(p.Reserve0)
	r1 := new(big.Int).Set(p.Reserve1)
	if tokenIn == p.Token0 {
		r0.Add(r0, intent.AmountIn)
		r1.Sub(r1, out)
	} else {
		r1.Add(r1, intent.AmountIn)
		r0.Sub(r0, out)
	}
	return &graph.PoolUpdate{
		PoolID:   ps.PoolID,
		Source:   graph.SourcePending,
		Block:    ps.Block,
		Seq:      ps.Seq,
		Reserve0: (*hexutil.Big)(r0),
		Reserve1: (*hexutil.Big)(r1),
	}, nil
}

// observeHead feeds the gas tracker and forwards genuinely new heads.
func (a *Adapter) observeHead(h HeadEvent) {
	var baseFee, tip *big.Int
	if h.BaseFee != nil {
		baseFee = h.BaseFee.ToInt()
	}
	if h.Tip != nil {
		tip = h.Tip.ToInt()
	}
	if !a.tracker.Observe(h.Block, baseFee, tip) {
		return
	}
	select {
	case a.heads <- h:
	default:
		a.metrics.dropped.WithLabelValues("head_backpressure").Inc()
	}
}

func (a *Adapter) drop(feed, reason string, err error) {
	a.metrics.dropped.WithLabelValues(reason).Inc()
	a.logger.Debug("feed message dropped",
		zap.String("feed", feed),
		zap.String("reason", reason),
		zap.Error(err))
}
