package graph

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

const (
	defaultQueueSize = 1024
	// Bounds on writer-owned freelists; anything beyond falls to the GC.
	maxFreeStates = 4096
	maxFreeArenas = 64
)

// Store owns the liquidity graph. A single writer goroutine applies
// updates in arrival order and publishes immutable snapshots; readers
// acquire handles through Current without taking any lock.
type Store struct {
	logger  *zap.Logger
	updates chan PoolUpdate

	cur atomic.Pointer[Snapshot]

	// Writer-owned. Retired snapshots wait here until their reader
	// handles drain, then their exclusive allocations are recycled.
	retired    []*Snapshot
	freeStates []*PoolState
	freeArenas [][]*PoolState
	poolCount  int

	subMu sync.Mutex
	subs  []chan uint64

	metrics struct {
		applied  prometheus.Counter
		rejected prometheus.Counter
		stale    prometheus.Counter
		recycled prometheus.Counter
		seq      prometheus.Gauge
		pools    prometheus.Gauge
		retired  prometheus.Gauge
	}
}

// NewStore builds the genesis snapshot (sequence zero) from the
// configured token table and pool set. Structural problems in the inputs
// abort startup.
func NewStore(tokens []Token, pools []*PoolState, queueSize int, reg prometheus.Registerer, logger *zap.Logger) (*Store, error) {
	if len(tokens) == 0 {
		return nil, errors.New("graph requires at least one registered token")
	}
	symbols := make(map[string]struct{}, len(tokens))
	for i := range tokens {
		t := &tokens[i]
		if t.Symbol == "" {
			return nil, fmt.Errorf("token %d: empty symbol", i)
		}
		if _, dup := symbols[t.Symbol]; dup {
			return nil, fmt.Errorf("token %s registered twice", t.Symbol)
		}
		symbols[t.Symbol] = struct{}{}
	}

	arena := make([]*PoolState, 0, len(pools))
	byID := make(map[string]int32, len(pools))
	var block uint64
	for _, p := range pools {
		if err := checkPool(p, len(tokens)); err != nil {
			return nil, err
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("pool %s registered twice", p.ID)
		}
		byID[p.ID] = int32(len(arena))
		arena = append(arena, p.Clone())
		if p.ConfirmedBlock > block {
			block = p.ConfirmedBlock
		}
	}

	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:    logger,
		updates:   make(chan PoolUpdate, queueSize),
		poolCount: len(arena),
	}
	s.metrics.applied = metrics.Counter(reg, "graph", "updates_applied_total", "Pool updates applied to the graph")
	s.metrics.rejected = metrics.Counter(reg, "graph", "updates_rejected_total", "Pool updates rejected as malformed or unresolvable")
	s.metrics.stale = metrics.Counter(reg, "graph", "updates_stale_total", "Pool updates dropped as stale replays")
	s.metrics.recycled = metrics.Counter(reg, "graph", "pool_states_recycled_total", "Retired pool state structs returned to the freelist")
	s.metrics.seq = metrics.Gauge(reg, "graph", "snapshot_seq", "Sequence number of the current snapshot")
	s.metrics.pools = metrics.Gauge(reg, "graph", "pools", "Live pools in the current snapshot")
	s.metrics.retired = metrics.Gauge(reg, "graph", "retired_snapshots", "Retired snapshots awaiting reader release")

	genesis := &Snapshot{
		seq:    0,
		block:  block,
		tokens: tokens,
		pools:  arena,
		byID:   byID,
		adj:    buildAdjacency(len(tokens), arena),
	}
	s.cur.Store(genesis)
	s.metrics.pools.Set(float64(s.poolCount))
	return s, nil
}

func checkPool(p *PoolState, numTokens int) error {
	if p.ID == "" {
		return errors.New("pool with empty id")
	}
	if p.Token0 < 0 || int(p.Token0) >= numTokens || p.Token1 < 0 || int(p.Token1) >= numTokens {
		return fmt.Errorf("pool %s: token index out of range", p.ID)
	}
	if p.Token0 == p.Token1 {
		return fmt.Errorf("pool %s: identical endpoints", p.ID)
	}
	if p.FeeBps >= bpsDenominator {
		return fmt.Errorf("pool %s: fee %d bps out of range", p.ID, p.FeeBps)
	}
	if p.Kind == StableSwap && p.AmpFactor == 0 {
		return fmt.Errorf("pool %s: stable-swap pool requires an amp factor", p.ID)
	}
	if (p.Reserve0 != nil && p.Reserve0.Sign() < 0) || (p.Reserve1 != nil && p.Reserve1.Sign() < 0) {
		return fmt.Errorf("pool %s: negative reserves", p.ID)
	}
	if (p.SqrtPriceX96 != nil && p.SqrtPriceX96.Sign() < 0) || (p.Liquidity != nil && p.Liquidity.Sign() < 0) {
		return fmt.Errorf("pool %s: negative price state", p.ID)
	}
	return nil
}

// Run drives the single-writer apply loop until the context ends.
func (s *Store) Run(ctx context.Context) error {
	cur := s.cur.Load()
	s.logger.Info("graph store running",
		zap.Int("tokens", len(cur.tokens)),
		zap.Int("pools", s.poolCount),
		zap.Int("queue", cap(s.updates)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.updates:
			s.apply(&u)
		}
	}
}

// Current acquires a handle on the latest snapshot. The caller must
// Release it. Never blocks; retries only if the writer published a newer
// snapshot mid-acquire.
func (s *Store) Current() *Snapshot {
	for {
		snap := s.cur.Load()
		snap.refs.Add(1)
		if s.cur.Load() == snap {
			return snap
		}
		snap.refs.Add(-1)
	}
}

// Offer hands an update to the writer without blocking and reports
// whether it was queued. Drop accounting belongs to the caller.
func (s *Store) Offer(u PoolUpdate) bool {
	select {
	case s.updates <- u:
		return true
	default:
		return false
	}
}

// Updates exposes the writer's queue for ingestion wiring.
func (s *Store) Updates() chan<- PoolUpdate { return s.updates }

// Subscribe returns a channel that observes the sequence number of each
// published snapshot. Slow subscribers see only the most recent value;
// intermediate sequences coalesce.
func (s *Store) Subscribe() <-chan uint64 {
	ch := make(chan uint64, 1)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(seq uint64) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- seq:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
	s.subMu.Unlock()
}

// apply is the only mutation path. Each update either produces exactly
// one new snapshot or leaves the published state untouched.
func (s *Store) apply(u *PoolUpdate) {
	if err := u.Validate(); err != nil {
		s.reject(u, err)
		return
	}
	cur := s.cur.Load()
	idx, known := cur.byID[u.PoolID]
	if !known {
		s.applyNew(cur, u)
		return
	}
	old := cur.pools[idx]

	if u.Removed {
		arena := s.takeArena(len(cur.pools))
		copy(arena, cur.pools)
		arena[idx] = nil
		byID := make(map[string]int32, len(cur.byID))
		for id, i := range cur.byID {
			if id != u.PoolID {
				byID[id] = i
			}
		}
		s.poolCount--
		s.publish(cur, u, arena, byID, buildAdjacency(len(cur.tokens), arena), old)
		s.logger.Info("pool removed", zap.String("pool", u.PoolID), zap.Uint64("block", u.Block))
		return
	}

	switch u.Source {
	case SourceConfirmed:
		if !newer(u.Block, u.Seq, old.ConfirmedBlock, old.ConfirmedSeq) {
			s.dropStale(u)
			return
		}
	case SourcePending:
		if u.Block <= old.ConfirmedBlock || !newer(u.Block, u.Seq, old.PendingBlock, old.PendingSeq) {
			s.dropStale(u)
			return
		}
	}
	if err := checkKindState(old.Kind, u); err != nil {
		s.reject(u, err)
		return
	}

	st := old.CloneInto(s.takeState())
	applyState(st, u)
	switch u.Source {
	case SourceConfirmed:
		st.ConfirmedBlock, st.ConfirmedSeq = u.Block, u.Seq
		st.Provisional = false
	case SourcePending:
		st.PendingBlock, st.PendingSeq = u.Block, u.Seq
		st.Provisional = true
	}
	st.UpdatedSeq = cur.seq + 1

	arena := s.takeArena(len(cur.pools))
	copy(arena, cur.pools)
	arena[idx] = st
	// Topology unchanged: share the id map and adjacency.
	s.publish(cur, u, arena, cur.byID, cur.adj, old)
}

// applyNew admits a feed-announced pool. Unknown token symbols reject the
// update; the token table is fixed at startup.
func (s *Store) applyNew(cur *Snapshot, u *PoolUpdate) {
	if u.Removed {
		s.reject(u, errors.New("removal for unknown pool"))
		return
	}
	if u.Definition == nil {
		s.reject(u, errors.New("unknown pool without definition"))
		return
	}
	d := u.Definition
	t0, ok0 := cur.TokenIndex(d.Token0)
	t1, ok1 := cur.TokenIndex(d.Token1)
	if !ok0 || !ok1 {
		s.reject(u, errors.New("definition references unregistered token"))
		return
	}
	kind, _ := ParseVenueKind(d.Kind)
	if kind == StableSwap && d.AmpFactor == 0 {
		s.reject(u, errors.New("stable-swap definition requires an amp factor"))
		return
	}
	if err := checkKindState(kind, u); err != nil {
		s.reject(u, err)
		return
	}

	st := s.takeState()
	if st == nil {
		st = new(PoolState)
	} else {
		*st = PoolState{Reserve0: st.Reserve0, Reserve1: st.Reserve1, SqrtPriceX96: st.SqrtPriceX96, Liquidity: st.Liquidity}
	}
	st.ID = u.PoolID
	st.Venue = d.Venue
	st.Address = d.Address
	st.Kind = kind
	st.Token0, st.Token1 = t0, t1
	st.FeeBps = d.FeeBps
	st.AmpFactor = d.AmpFactor
	st.Reserve0 = zeroBig(st.Reserve0)
	st.Reserve1 = zeroBig(st.Reserve1)
	st.SqrtPriceX96 = zeroBig(st.SqrtPriceX96)
	st.Liquidity = zeroBig(st.Liquidity)
	st.Tick = 0
	st.ConfirmedBlock, st.ConfirmedSeq = 0, 0
	st.PendingBlock, st.PendingSeq = 0, 0
	applyState(st, u)
	switch u.Source {
	case SourceConfirmed:
		st.ConfirmedBlock, st.ConfirmedSeq = u.Block, u.Seq
		st.Provisional = false
	case SourcePending:
		st.PendingBlock, st.PendingSeq = u.Block, u.Seq
		st.Provisional = true
	}
	st.UpdatedSeq = cur.seq + 1

	arena := s.takeArena(len(cur.pools) + 1)
	copy(arena, cur.pools)
	arena[len(cur.pools)] = st
	byID := make(map[string]int32, len(cur.byID)+1)
	for id, i := range cur.byID {
		byID[id] = i
	}
	byID[u.PoolID] = int32(len(cur.pools))
	s.poolCount++
	s.publish(cur, u, arena, byID, buildAdjacency(len(cur.tokens), arena), nil)
	s.logger.Info("pool discovered",
		zap.String("pool", u.PoolID),
		zap.String("venue", d.Venue),
		zap.String("kind", kind.String()),
		zap.String("feed", u.Feed))
}

// publish swaps in the next snapshot, retires the previous one, and
// reclaims anything whose readers have drained.
func (s *Store) publish(prev *Snapshot, u *PoolUpdate, arena []*PoolState, byID map[string]int32, adj [][]EdgeRef, dead *PoolState) {
	next := &Snapshot{
		seq:    prev.seq + 1,
		block:  prev.block,
		tokens: prev.tokens,
		pools:  arena,
		byID:   byID,
		adj:    adj,
	}
	if u.Source == SourceConfirmed && u.Block > next.block {
		next.block = u.Block
	}
	if dead != nil {
		prev.deadAfter = append(prev.deadAfter, dead)
	}

	s.cur.Store(next)
	s.retired = append(s.retired, prev)
	s.sweep()

	s.metrics.applied.Inc()
	s.metrics.seq.Set(float64(next.seq))
	s.metrics.pools.Set(float64(s.poolCount))
	s.notify(next.seq)
}

// sweep reclaims retired snapshots in order, stopping at the first one a
// reader still holds. In-order reclamation is what makes deadAfter safe:
// a pool version is recycled only after every snapshot that could
// reference it is gone.
func (s *Store) sweep() {
	cut := 0
	for cut < len(s.retired) && s.retired[cut].refs.Load() == 0 {
		s.recycle(s.retired[cut])
		cut++
	}
	if cut > 0 {
		n := copy(s.retired, s.retired[cut:])
		for i := n; i < len(s.retired); i++ {
			s.retired[i] = nil
		}
		s.retired = s.retired[:n]
	}
	s.metrics.retired.Set(float64(len(s.retired)))
}

func (s *Store) recycle(snap *Snapshot) {
	for _, st := range snap.deadAfter {
		if len(s.freeStates) < maxFreeStates {
			s.freeStates = append(s.freeStates, st)
			s.metrics.recycled.Inc()
		}
	}
	snap.deadAfter = nil
	if snap.pools != nil && len(s.freeArenas) < maxFreeArenas {
		s.freeArenas = append(s.freeArenas, snap.pools[:0])
	}
	snap.pools = nil
}

func (s *Store) takeState() *PoolState {
	n := len(s.freeStates)
	if n == 0 {
		return nil
	}
	st := s.freeStates[n-1]
	s.freeStates[n-1] = nil
	s.freeStates = s.freeStates[:n-1]
	return st
}

func (s *Store) takeArena(n int) []*PoolState {
	for i := len(s.freeArenas) - 1; i >= 0; i-- {
		if cap(s.freeArenas[i]) >= n {
			a := s.freeArenas[i][:n]
			s.freeArenas[i] = s.freeArenas[len(s.freeArenas)-1]
			s.freeArenas = s.freeArenas[:len(s.freeArenas)-1]
			return a
		}
	}
	return make([]*PoolState, n)
}

func (s *Store) reject(u *PoolUpdate, err error) {
	s.metrics.rejected.Inc()
	s.logger.Warn("rejected pool update",
		zap.String("pool", u.PoolID),
		zap.String("feed", u.Feed),
		zap.Error(err))
}

func (s *Store) dropStale(u *PoolUpdate) {
	s.metrics.stale.Inc()
	s.logger.Debug("dropped stale pool update",
		zap.String("pool", u.PoolID),
		zap.String("source", u.Source.String()),
		zap.Uint64("block", u.Block),
		zap.Uint64("seq", u.Seq))
}

func newer(block, seq, oldBlock, oldSeq uint64) bool {
	if block != oldBlock {
		return block > oldBlock
	}
	return seq > oldSeq
}

// checkKindState rejects state fields that do not belong to the venue
// kind, so a malformed feed cannot half-update a pool.
func checkKindState(kind VenueKind, u *PoolUpdate) error {
	switch kind {
	case ConstantProduct, StableSwap:
		if u.SqrtPriceX96 != nil || u.Liquidity != nil || u.Tick != nil {
			return fmt.Errorf("pool update %s: tick state on a reserve-based pool", u.PoolID)
		}
		if u.Reserve0 == nil && u.Reserve1 == nil {
			return fmt.Errorf("pool update %s: no reserves for a reserve-based pool", u.PoolID)
		}
	case ConcentratedLiquidity:
		if u.Reserve0 != nil || u.Reserve1 != nil {
			return fmt.Errorf("pool update %s: reserves on a concentrated-liquidity pool", u.PoolID)
		}
		if u.SqrtPriceX96 == nil && u.Liquidity == nil && u.Tick == nil {
			return fmt.Errorf("pool update %s: no tick state for a concentrated-liquidity pool", u.PoolID)
		}
	}
	return nil
}

func applyState(st *PoolState, u *PoolUpdate) {
	if u.Reserve0 != nil {
		st.Reserve0 = copyBig(st.Reserve0, u.Reserve0.ToInt())
	}
	if u.Reserve1 != nil {
		st.Reserve1 = copyBig(st.Reserve1, u.Reserve1.ToInt())
	}
	if u.SqrtPriceX96 != nil {
		st.SqrtPriceX96 = copyBig(st.SqrtPriceX96, u.SqrtPriceX96.ToInt())
	}
	if u.Liquidity != nil {
		st.Liquidity = copyBig(st.Liquidity, u.Liquidity.ToInt())
	}
	if u.Tick != nil {
		st.Tick = *u.Tick
	}
}

func zeroBig(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b.SetInt64(0)
}
