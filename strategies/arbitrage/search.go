// Package arbitrage finds profitable simple cycles in the liquidity
// graph. A search runs against exactly one immutable snapshot: bounded
// depth-first traversal from the base token, value-based pruning, and a
// deterministic ordering of whatever survives the estimator.
package arbitrage

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/profit"
	"github.com/michaelpento.lv/arbengine/types"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
)

// errDeadline aborts a traversal that outlived its budget. The whole
// snapshot's result set is discarded; partial enumerations are never
// emitted.
var errDeadline = errors.New("search deadline exceeded")

var bpsBig = big.NewInt(fmath.BpsDenominator)

// searchParams fixes every input a traversal depends on, so two runs
// over the same snapshot enumerate identical candidates.
type searchParams struct {
	base      int32
	maxHops   int
	marginBps uint32
	gasPrice  *big.Int
	estimator *profit.Estimator
	tracker   *gas.Tracker
	stop      *atomic.Bool
}

// candidate pairs an opportunity with its canonical pool-set key, the
// ordering tie-break of last resort.
type candidate struct {
	opp *types.Opportunity
	key string
}

type pathHop struct {
	pool    int32
	tokenIn int32
	in, out *big.Int
}

// pathFinder is the per-task traversal state. Each task owns one finder;
// nothing here is shared across workers except the snapshot.
type pathFinder struct {
	snap   *graph.Snapshot
	p      searchParams
	tokens []graph.Token

	loan      *big.Int
	baseValue *big.Int // loan * base USD ref, the pruning reference

	visited []uint64
	path    []pathHop
	fees    uint32 // cumulative pool fees along the current path

	found    []*candidate
	nodes    int64
	pruned   int64
	rejected int64

	lhs, rhs, k big.Int // pruning scratch
}

func newPathFinder(snap *graph.Snapshot, p searchParams) *pathFinder {
	tokens := snap.Tokens()
	loan := p.estimator.Loan()
	f := &pathFinder{
		snap:      snap,
		p:         p,
		tokens:    tokens,
		loan:      loan,
		baseValue: new(big.Int),
		visited:   make([]uint64, (snap.NumPools()+63)/64),
		path:      make([]pathHop, 0, p.maxHops),
	}
	if ref := tokens[p.base].USDRef; ref != nil {
		f.baseValue.Mul(loan, ref)
	}
	return f
}

// run explores the subtree under one first hop out of the base token.
func (f *pathFinder) run(first graph.EdgeRef) error {
	pool := f.snap.Pool(first.Pool)
	f.nodes++
	out, err := pool.AmountOut(f.p.base, f.loan, f.tokens)
	if err != nil || out.Sign() <= 0 {
		return nil
	}
	f.fees = pool.FeeBps
	if f.prunable(first.To, out, f.fees) {
		f.pruned++
		return nil
	}
	f.setBit(first.Pool)
	f.path = append(f.path, pathHop{pool: first.Pool, tokenIn: f.p.base, in: f.loan, out: out})
	return f.dfs(first.To, out, 1)
}

// dfs extends the current path from token, holding amount of it, with
// depth hops already taken.
func (f *pathFinder) dfs(token int32, amount *big.Int, depth int) error {
	if f.p.stop.Load() {
		return errDeadline
	}
	for _, e := range f.snap.Edges(token) {
		if f.bit(e.Pool) {
			continue
		}
		if e.To == f.p.base {
			f.nodes++
			f.close(e, token, amount, depth)
			continue
		}
		if depth+1 >= f.p.maxHops {
			// Taking e would spend the last hop away from base.
			continue
		}
		pool := f.snap.Pool(e.Pool)
		f.nodes++
		out, err := pool.AmountOut(token, amount, f.tokens)
		if err != nil || out.Sign() <= 0 {
			continue
		}
		fees := f.fees + pool.FeeBps
		if f.prunable(e.To, out, fees) {
			f.pruned++
			continue
		}
		f.setBit(e.Pool)
		f.path = append(f.path, pathHop{pool: e.Pool, tokenIn: token, in: amount, out: out})
		prevFees := f.fees
		f.fees = fees
		if err := f.dfs(e.To, out, depth+1); err != nil {
			return err
		}
		f.fees = prevFees
		f.path = f.path[:len(f.path)-1]
		f.clearBit(e.Pool)
	}
	return nil
}

// close prices the hop back into base and keeps the cycle if it clears
// the profitability floor.
func (f *pathFinder) close(e graph.EdgeRef, tokenIn int32, amount *big.Int, depth int) {
	pool := f.snap.Pool(e.Pool)
	out, err := pool.AmountOut(tokenIn, amount, f.tokens)
	if err != nil || out.Sign() <= 0 {
		return
	}
	hops := depth + 1
	units := f.p.tracker.EstimateBundleGas(hops)
	est := f.p.estimator.Estimate(out, units, f.p.gasPrice)
	if !est.Profitable {
		f.rejected++
		return
	}

	path := make([]types.Hop, 0, hops)
	for _, ph := range f.path {
		path = append(path, f.makeHop(ph.pool, ph.tokenIn, ph.in, ph.out))
	}
	path = append(path, f.makeHop(e.Pool, tokenIn, amount, out))

	ordered := make([]string, len(path))
	for i := range path {
		ordered[i] = path[i].PoolID
	}
	o := &types.Opportunity{
		ID:          fmt.Sprintf("opp-%d-%016x", f.snap.Seq(), xxhash.Sum64String(strings.Join(ordered, ">"))),
		BaseToken:   f.p.base,
		BaseSymbol:  f.tokens[f.p.base].Symbol,
		SnapshotSeq: f.snap.Seq(),
		Block:       f.snap.Block(),
		Hops:        path,
		LoanAmount:  est.Loan,
		GrossOut:    est.GrossOut,
		LoanFee:     est.LoanFee,
		GasCost:     est.GasCost,
		Net:         est.Net,
		NetUSD:      est.NetUSD,
		Confidence:  est.Confidence,
		State:       types.Detected,
		DetectedAt:  time.Now(),
	}
	f.found = append(f.found, &candidate{opp: o, key: strings.Join(o.PoolIDs(), "|")})
}

func (f *pathFinder) makeHop(poolIdx, tokenIn int32, in, out *big.Int) types.Hop {
	p := f.snap.Pool(poolIdx)
	to, _ := p.Other(tokenIn)
	return types.Hop{
		PoolID:      p.ID,
		PoolAddress: p.Address,
		Venue:       p.Venue,
		Kind:        p.Kind,
		FeeBps:      p.FeeBps,
		TokenIn:     tokenIn,
		TokenOut:    to,
		SymbolIn:    f.tokens[tokenIn].Symbol,
		SymbolOut:   f.tokens[to].Symbol,
		AmountIn:    new(big.Int).Set(in),
		AmountOut:   new(big.Int).Set(out),
	}
}

// prunable reports whether the branch has lost more reference value than
// its pool fees plus the configured margin can explain. Such a branch
// already traded into a price worse than the references admit, so no
// completion can recover break-even. Tokens without a USD reference are
// never pruned.
//
//	out*refTo*10^decBase*10000  <  loan*refBase*10^decTo*(10000-fees-margin)
func (f *pathFinder) prunable(to int32, out *big.Int, fees uint32) bool {
	ref := f.tokens[to].USDRef
	if ref == nil || ref.Sign() == 0 || f.baseValue.Sign() == 0 {
		return false
	}
	keep := int64(fmath.BpsDenominator) - int64(fees) - int64(f.p.marginBps)
	if keep <= 0 {
		return false
	}
	lhs := f.lhs.Mul(out, ref)
	lhs.Mul(lhs, fmath.Pow10(f.tokens[f.p.base].Decimals))
	lhs.Mul(lhs, bpsBig)
	rhs := f.rhs.Mul(f.baseValue, fmath.Pow10(f.tokens[to].Decimals))
	rhs.Mul(rhs, f.k.SetInt64(keep))
	return lhs.Cmp(rhs) < 0
}

func (f *pathFinder) bit(i int32) bool { return f.visited[i>>6]&(1<<(uint(i)&63)) != 0 }
func (f *pathFinder) setBit(i int32)   { f.visited[i>>6] |= 1 << (uint(i) & 63) }
func (f *pathFinder) clearBit(i int32) { f.visited[i>>6] &^= 1 << (uint(i) & 63) }

// sortCandidates imposes the total candidate order: net profit
// descending, then fewer hops, then higher confidence, then the
// canonical pool-set key, then the direction-qualified id.
func sortCandidates(cands []*candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if c := a.opp.Net.Cmp(b.opp.Net); c != 0 {
			return c > 0
		}
		if len(a.opp.Hops) != len(b.opp.Hops) {
			return len(a.opp.Hops) < len(b.opp.Hops)
		}
		if a.opp.Confidence != b.opp.Confidence {
			return a.opp.Confidence > b.opp.Confidence
		}
		if a.key != b.key {
			return a.key < b.key
		}
		return a.opp.ID < b.opp.ID
	})
}
