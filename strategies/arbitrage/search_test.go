package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/arbengine/claims"
	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/profit"
	"github.com/michaelpento.lv/arbengine/types"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

var (
	wethAddr = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdcAddr = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	daiAddr  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func units(whole int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), fmath.Pow10(decimals))
}

func refUSD(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fmath.ParseUSDRef(s)
	require.NoError(t, err)
	return v
}

func testTokens(t *testing.T) []graph.Token {
	return []graph.Token{
		{Symbol: "WETH", Address: wethAddr, Decimals: 18, USDRef: refUSD(t, "3000")},
		{Symbol: "USDC", Address: usdcAddr, Decimals: 6, USDRef: refUSD(t, "1")},
		{Symbol: "DAI", Address: daiAddr, Decimals: 18, USDRef: refUSD(t, "1")},
	}
}

// triangle is the canonical profitable cycle: WETH sells at 3100 on
// univ2, buys back at 3000 via the DAI leg.
func triangle() []*graph.PoolState {
	return []*graph.PoolState{
		{
			ID: "univ2-weth-usdc", Venue: "uniswap-v2", Kind: graph.ConstantProduct,
			Token0: 0, Token1: 1, FeeBps: 30, ConfirmedBlock: 100,
			Reserve0: units(1000, 18), Reserve1: units(3_100_000, 6),
		},
		{
			ID: "curve-usdc-dai", Venue: "curve", Kind: graph.StableSwap,
			Token0: 1, Token1: 2, FeeBps: 4, AmpFactor: 200, ConfirmedBlock: 100,
			Reserve0: units(5_000_000, 6), Reserve1: units(5_000_000, 18),
		},
		{
			ID: "sushi-dai-weth", Venue: "sushiswap", Kind: graph.ConstantProduct,
			Token0: 2, Token1: 0, FeeBps: 30, ConfirmedBlock: 100,
			Reserve0: units(3_000_000, 18), Reserve1: units(1000, 18),
		},
	}
}

// crossVenue adds a second WETH/USDC venue priced at 2950, opening a
// two-hop cycle on top of the triangle.
func crossVenue() []*graph.PoolState {
	return append(triangle(), &graph.PoolState{
		ID: "shiba-weth-usdc", Venue: "shibaswap", Kind: graph.ConstantProduct,
		Token0: 0, Token1: 1, FeeBps: 30, ConfirmedBlock: 100,
		Reserve0: units(1000, 18), Reserve1: units(2_950_000, 6),
	})
}

func newTestStore(t *testing.T, pools []*graph.PoolState) *graph.Store {
	t.Helper()
	s, err := graph.NewStore(testTokens(t), pools, 64, nil, nil)
	require.NoError(t, err)
	return s
}

func newTestTracker() *gas.Tracker {
	base := new(big.Int).SetInt64(30_000_000_000)
	tip := new(big.Int).SetInt64(2_000_000_000)
	return gas.New(base, tip, 152_000, 90_000, nil, nil)
}

func newTestEstimator(t *testing.T, minProfitUSD string) *profit.Estimator {
	t.Helper()
	min := fmath.USDToUnits(refUSD(t, minProfitUSD), 18, refUSD(t, "3000"))
	est, err := profit.New(testTokens(t), profit.Params{
		BaseToken:      0,
		NativeToken:    0,
		LoanAmount:     units(10, 18),
		MinProfit:      min,
		FallbackFeeBps: 9,
		SlippageBps:    50,
	}, nil)
	require.NoError(t, err)
	return est
}

func testConfig() Config {
	return Config{
		MaxHops:            3,
		Deadline:           time.Second,
		BreakEvenMarginBps: 10,
		Workers:            2,
		QueueSize:          32,
		ClaimWindowBlocks:  1000,
		EmitBuffer:         16,
	}
}

func newTestEngine(t *testing.T, store *graph.Store, minProfitUSD string, cfg Config) *Engine {
	t.Helper()
	registry, err := claims.NewRegistry(8, 5*time.Second, nil, nil)
	require.NoError(t, err)
	e, err := NewEngine(store, newTestTracker(), newTestEstimator(t, minProfitUSD), registry, cfg, nil, nil)
	require.NoError(t, err)
	return e
}

// startPool brings up the worker pool for tests that call search
// directly instead of through Run.
func startPool(t *testing.T, e *Engine) {
	t.Helper()
	e.pool.Start()
	t.Cleanup(e.pool.Stop)
}

func currentSnapshot(t *testing.T, s *graph.Store) *graph.Snapshot {
	t.Helper()
	snap := s.Current()
	t.Cleanup(snap.Release)
	return snap
}

func TestSearchFindsTriangle(t *testing.T) {
	store := newTestStore(t, triangle())
	e := newTestEngine(t, store, "50", testConfig())
	startPool(t, e)

	cands, err := e.search(context.Background(), currentSnapshot(t, store))
	require.NoError(t, err)
	require.Len(t, cands, 1)

	o := cands[0].opp
	assert.Equal(t, types.Detected, o.State)
	assert.Equal(t, "WETH->USDC->DAI->WETH", o.Path())
	require.Len(t, o.Hops, 3)
	assert.Equal(t, "univ2-weth-usdc", o.Hops[0].PoolID)
	assert.Equal(t, "curve-usdc-dai", o.Hops[1].PoolID)
	assert.Equal(t, "sushi-dai-weth", o.Hops[2].PoolID)

	assert.Equal(t, "10000000000000000000", o.Hops[0].AmountIn.String())
	assert.Equal(t, "10063504294164689136", o.GrossOut.String())
	assert.Equal(t, "36360294164689136", o.Net.String())
	assert.EqualValues(t, 0, o.SnapshotSeq)
	assert.EqualValues(t, 100, o.Block)
	assert.Contains(t, o.ID, "opp-0-")
	assert.InDelta(t, 0.36, o.Confidence, 1e-12)

	// The hop amounts chain through the cycle.
	for i := 1; i < len(o.Hops); i++ {
		assert.Equal(t, o.Hops[i-1].AmountOut.String(), o.Hops[i].AmountIn.String())
		assert.Equal(t, o.Hops[i-1].TokenOut, o.Hops[i].TokenIn)
	}
	assert.Equal(t, o.Hops[2].AmountOut.String(), o.GrossOut.String())
}

func TestSearchRespectsProfitFloor(t *testing.T) {
	store := newTestStore(t, triangle())
	e := newTestEngine(t, store, "500", testConfig())
	startPool(t, e)

	cands, err := e.search(context.Background(), currentSnapshot(t, store))
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.Equal(t, 1.0, metrics.CounterValue(e.metrics.candidates.WithLabelValues("below_threshold")))
}

func TestSearchOrdersCandidates(t *testing.T) {
	store := newTestStore(t, crossVenue())
	e := newTestEngine(t, store, "50", testConfig())
	startPool(t, e)

	cands, err := e.search(context.Background(), currentSnapshot(t, store))
	require.NoError(t, err)
	require.Len(t, cands, 2)

	two, three := cands[0].opp, cands[1].opp
	assert.Equal(t, "WETH->USDC->WETH", two.Path())
	assert.Equal(t, "214254154567194659", two.Net.String())
	assert.Len(t, two.Hops, 2)
	assert.Equal(t, 1.0, two.Confidence)

	assert.Equal(t, "WETH->USDC->DAI->WETH", three.Path())
	assert.Equal(t, "36360294164689136", three.Net.String())

	// The shiba-first and sushi-first subtrees trade into prices the
	// references cannot explain and are cut at the first hop.
	assert.Equal(t, 2.0, metrics.CounterValue(e.metrics.pruned))
}

func TestSearchDeterministic(t *testing.T) {
	store := newTestStore(t, crossVenue())
	cfg := testConfig()
	cfg.Workers = 4
	e := newTestEngine(t, store, "50", cfg)
	startPool(t, e)
	snap := currentSnapshot(t, store)

	var baseline []string
	for run := 0; run < 5; run++ {
		cands, err := e.search(context.Background(), snap)
		require.NoError(t, err)
		got := make([]string, len(cands))
		for i, c := range cands {
			got[i] = fmt.Sprintf("%s net=%s hops=%d", c.opp.ID, c.opp.Net, len(c.opp.Hops))
		}
		if run == 0 {
			baseline = got
			require.NotEmpty(t, baseline)
			continue
		}
		assert.Equal(t, baseline, got, "run %d diverged", run)
	}
}

func TestPathFinderDeadline(t *testing.T) {
	store := newTestStore(t, triangle())
	snap := currentSnapshot(t, store)

	var stop atomic.Bool
	stop.Store(true)
	f := newPathFinder(snap, searchParams{
		base:      0,
		maxHops:   3,
		marginBps: 10,
		gasPrice:  big.NewInt(32_000_000_000),
		estimator: newTestEstimator(t, "50"),
		tracker:   newTestTracker(),
		stop:      &stop,
	})
	err := f.run(snap.Edges(0)[0])
	assert.ErrorIs(t, err, errDeadline)
	assert.Empty(t, f.found)
}

func TestPruneCutsBadFirstHop(t *testing.T) {
	pools := append(triangle(), &graph.PoolState{
		ID: "trap-weth-usdc", Venue: "trapswap", Kind: graph.ConstantProduct,
		Token0: 0, Token1: 1, FeeBps: 30, ConfirmedBlock: 100,
		Reserve0: units(1000, 18), Reserve1: units(2_500_000, 6),
	})
	store := newTestStore(t, pools)
	snap := currentSnapshot(t, store)

	var trapEdge graph.EdgeRef
	found := false
	for _, e := range snap.Edges(0) {
		if snap.Pool(e.Pool).ID == "trap-weth-usdc" {
			trapEdge, found = e, true
		}
	}
	require.True(t, found)

	var stop atomic.Bool
	f := newPathFinder(snap, searchParams{
		base:      0,
		maxHops:   3,
		marginBps: 10,
		gasPrice:  big.NewInt(32_000_000_000),
		estimator: newTestEstimator(t, "50"),
		tracker:   newTestTracker(),
		stop:      &stop,
	})
	require.NoError(t, f.run(trapEdge))
	assert.EqualValues(t, 1, f.pruned)
	assert.Empty(t, f.found)
}

func TestSortCandidatesTotalOrder(t *testing.T) {
	mk := func(id string, net int64, hops int, conf float64, key string) *candidate {
		return &candidate{
			opp: &types.Opportunity{
				ID:         id,
				Net:        big.NewInt(net),
				Hops:       make([]types.Hop, hops),
				Confidence: conf,
			},
			key: key,
		}
	}
	cands := []*candidate{
		mk("x", 100, 3, 0.5, "b"),
		mk("y", 100, 2, 0.2, "c"),
		mk("z", 200, 4, 0.1, "a"),
		mk("w", 100, 2, 0.9, "e"),
		mk("v", 100, 2, 0.9, "d"),
	}
	sortCandidates(cands)

	got := make([]string, len(cands))
	for i, c := range cands {
		got[i] = c.opp.ID
	}
	// Net first, then fewer hops, then confidence, then key.
	assert.Equal(t, []string{"z", "v", "w", "y", "x"}, got)
}
