package profit

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/arbengine/flashloan"
	"github.com/michaelpento.lv/arbengine/graph"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
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

// testSnapshot builds a three-pool triangle: WETH is cheap on sushi
// (3000 DAI) and dear on univ2 (3100 USDC), with a near-par stable bridge.
func testSnapshot(t *testing.T) *graph.Snapshot {
	t.Helper()
	pools := []*graph.PoolState{
		{
			ID: "univ2-weth-usdc", Venue: "uniswap-v2", Kind: graph.ConstantProduct,
			Token0: 0, Token1: 1, FeeBps: 30,
			Reserve0: units(1000, 18), Reserve1: units(3_100_000, 6),
		},
		{
			ID: "curve-usdc-dai", Venue: "curve", Kind: graph.StableSwap,
			Token0: 1, Token1: 2, FeeBps: 4, AmpFactor: 200,
			Reserve0: units(5_000_000, 6), Reserve1: units(5_000_000, 18),
		},
		{
			ID: "sushi-dai-weth", Venue: "sushiswap", Kind: graph.ConstantProduct,
			Token0: 2, Token1: 0, FeeBps: 30,
			Reserve0: units(3_000_000, 18), Reserve1: units(1000, 18),
		},
	}
	store, err := graph.NewStore(testTokens(t), pools, 100, nil, nil)
	require.NoError(t, err)
	snap := store.Current()
	t.Cleanup(snap.Release)
	return snap
}

func testParams() Params {
	return Params{
		BaseToken:      0,
		NativeToken:    0,
		LoanAmount:     units(10, 18),
		MinProfit:      big.NewInt(16_666_666_666_666_666), // $50 at $3000
		FallbackFeeBps: 9,
		SlippageBps:    50,
	}
}

var triangle = []string{"univ2-weth-usdc", "curve-usdc-dai", "sushi-dai-weth"}

func TestWalkPathTriangle(t *testing.T) {
	snap := testSnapshot(t)

	hops, out, err := WalkPath(snap, 0, triangle, units(10, 18))
	require.NoError(t, err)
	require.Len(t, hops, 3)

	assert.Equal(t, "WETH", hops[0].SymbolIn)
	assert.Equal(t, "USDC", hops[0].SymbolOut)
	assert.Equal(t, "USDC", hops[1].SymbolIn)
	assert.Equal(t, "DAI", hops[1].SymbolOut)
	assert.Equal(t, "DAI", hops[2].SymbolIn)
	assert.Equal(t, "WETH", hops[2].SymbolOut)

	assert.Equal(t, "30601899066", hops[0].AmountOut.String())
	assert.Equal(t, "30589191412488735824468", hops[1].AmountOut.String())
	assert.Equal(t, "10063504294164689136", hops[2].AmountOut.String())
	assert.Equal(t, out.String(), hops[2].AmountOut.String())

	// Hop amounts chain without aliasing each other.
	assert.Equal(t, hops[0].AmountOut.String(), hops[1].AmountIn.String())
	hops[1].AmountIn.SetInt64(0)
	assert.Equal(t, "30601899066", hops[0].AmountOut.String())
}

func TestWalkPathErrors(t *testing.T) {
	snap := testSnapshot(t)
	loan := units(10, 18)

	_, _, err := WalkPath(snap, 0, nil, loan)
	assert.ErrorContains(t, err, "empty pool path")

	_, _, err = WalkPath(snap, 0, triangle, big.NewInt(0))
	assert.ErrorIs(t, err, graph.ErrZeroAmount)

	_, _, err = WalkPath(snap, 0, []string{"univ2-weth-usdc", "nope"}, loan)
	assert.ErrorContains(t, err, `pool nope not in snapshot`)

	// First pool does not trade the base token.
	_, _, err = WalkPath(snap, 0, []string{"curve-usdc-dai"}, loan)
	assert.ErrorContains(t, err, "does not trade WETH")

	// A single hop cannot return to base.
	_, _, err = WalkPath(snap, 0, []string{"univ2-weth-usdc"}, loan)
	assert.ErrorContains(t, err, "does not return to WETH")
}

func TestEstimateProfitableCycle(t *testing.T) {
	snap := testSnapshot(t)
	est, err := New(snap.Tokens(), testParams(), nil)
	require.NoError(t, err)

	_, out, err := WalkPath(snap, 0, triangle, est.Loan())
	require.NoError(t, err)

	gasPrice := new(big.Int).SetInt64(32_000_000_000) // 32 gwei
	e := est.Estimate(out, 567_000, gasPrice)

	assert.Equal(t, "10000000000000000000", e.Loan.String())
	assert.Equal(t, "10063504294164689136", e.GrossOut.String())
	assert.Equal(t, "9000000000000000", e.LoanFee.String())
	assert.Equal(t, "18144000000000000", e.GasCost.String())
	assert.Equal(t, "36360294164689136", e.Net.String())
	assert.EqualValues(t, 36, e.MarginBps)
	assert.InDelta(t, 0.36, e.Confidence, 1e-12)
	assert.True(t, e.Profitable)
	assert.True(t, e.NetUSD.Equal(decimal.RequireFromString("109.080882494067408")),
		"net usd %s", e.NetUSD)
}

func TestEstimateDeterministic(t *testing.T) {
	snap := testSnapshot(t)
	est, err := New(snap.Tokens(), testParams(), nil)
	require.NoError(t, err)
	gasPrice := big.NewInt(32_000_000_000)

	first := est.Estimate(big.NewInt(0), 0, nil)
	for i := 0; i < 5; i++ {
		_, out, err := WalkPath(snap, 0, triangle, est.Loan())
		require.NoError(t, err)
		e := est.Estimate(out, 567_000, gasPrice)
		assert.Equal(t, "36360294164689136", e.Net.String())
		assert.EqualValues(t, 36, e.MarginBps)
	}

	// Returned values are private copies; mutating them cannot bleed
	// into later estimates.
	first.Loan.SetInt64(1)
	assert.Equal(t, "10000000000000000000", est.Loan().String())
}

func TestEstimateProviderQuoteAndFallback(t *testing.T) {
	snap := testSnapshot(t)
	gasPrice := big.NewInt(32_000_000_000)
	_, out, err := WalkPath(snap, 0, triangle, units(10, 18))
	require.NoError(t, err)

	// Balancer serves the loan for free; the quote displaces the
	// fallback premium.
	freeBalancer, err := flashloan.NewBalancer(common.Address{}, nil)
	require.NoError(t, err)
	free, err := flashloan.NewManager([]flashloan.Provider{freeBalancer}, nil, nil)
	require.NoError(t, err)
	est, err := New(snap.Tokens(), testParams(), free)
	require.NoError(t, err)
	e := est.Estimate(out, 567_000, gasPrice)
	assert.Zero(t, e.LoanFee.Sign())
	assert.Equal(t, "45360294164689136", e.Net.String())
	assert.EqualValues(t, 45, e.MarginBps)

	// A capped provider cannot serve ten WETH, so the fallback premium
	// applies again.
	cappedBalancer, err := flashloan.NewBalancer(common.Address{}, map[common.Address]*big.Int{wethAddr: units(5, 18)})
	require.NoError(t, err)
	capped, err := flashloan.NewManager([]flashloan.Provider{cappedBalancer}, nil, nil)
	require.NoError(t, err)
	est, err = New(snap.Tokens(), testParams(), capped)
	require.NoError(t, err)
	e = est.Estimate(out, 567_000, gasPrice)
	assert.Equal(t, "9000000000000000", e.LoanFee.String())
	assert.Equal(t, "36360294164689136", e.Net.String())
}

func TestEstimateBreakEvenBoundary(t *testing.T) {
	snap := testSnapshot(t)
	est, err := New(snap.Tokens(), testParams(), nil)
	require.NoError(t, err)
	gasPrice := big.NewInt(32_000_000_000)

	be := est.BreakEven(567_000, gasPrice)
	assert.Equal(t, "10043810666666666666", be.String())

	at := est.Estimate(be, 567_000, gasPrice)
	assert.True(t, at.Profitable)
	assert.Equal(t, "16666666666666666", at.Net.String())

	below := est.Estimate(new(big.Int).Sub(be, big.NewInt(1)), 567_000, gasPrice)
	assert.False(t, below.Profitable)
	assert.Positive(t, below.Net.Sign(), "below the floor is still gross-positive")
}

func TestEstimateClampsAndLosses(t *testing.T) {
	snap := testSnapshot(t)
	est, err := New(snap.Tokens(), testParams(), nil)
	require.NoError(t, err)

	// A cycle that only returns the principal loses the fee and gas.
	e := est.Estimate(units(10, 18), 567_000, big.NewInt(32_000_000_000))
	assert.Equal(t, "-27144000000000000", e.Net.String())
	assert.False(t, e.Profitable)
	assert.Zero(t, e.Confidence)
	assert.True(t, e.NetUSD.IsNegative())

	// Nil and negative outputs clamp to zero gross.
	e = est.Estimate(nil, 0, nil)
	assert.Zero(t, e.GrossOut.Sign())
	assert.Equal(t, "-10009000000000000000", e.Net.String())
	assert.False(t, e.Profitable)

	e = est.Estimate(big.NewInt(-5), 0, nil)
	assert.Zero(t, e.GrossOut.Sign())
}

func TestEstimateGasCostAcrossTokens(t *testing.T) {
	// Base in USDC while gas burns WETH: 0.006 ETH at $3000 is 18 USDC.
	tokens := testTokens(t)
	est, err := New(tokens, Params{
		BaseToken:      1,
		NativeToken:    0,
		LoanAmount:     units(30_000, 6),
		MinProfit:      units(50, 6),
		FallbackFeeBps: 9,
		SlippageBps:    50,
	}, nil)
	require.NoError(t, err)

	gross := new(big.Int).Add(units(30_000, 6), units(100, 6))
	e := est.Estimate(gross, 200_000, big.NewInt(30_000_000_000))

	assert.Equal(t, "18000000", e.GasCost.String())
	assert.Equal(t, "27000000", e.LoanFee.String())
	assert.Equal(t, "55000000", e.Net.String())
	assert.True(t, e.Profitable)
	assert.EqualValues(t, 18, e.MarginBps)
	assert.True(t, e.NetUSD.Equal(decimal.RequireFromString("55")), "net usd %s", e.NetUSD)
}

func TestNewRejectsBadParams(t *testing.T) {
	tokens := testTokens(t)
	good := testParams()

	cases := []struct {
		name   string
		mutate func(*Params)
		errMsg string
	}{
		{"base out of range", func(p *Params) { p.BaseToken = 9 }, "base token index"},
		{"native out of range", func(p *Params) { p.NativeToken = -1 }, "native token index"},
		{"nil loan", func(p *Params) { p.LoanAmount = nil }, "loan amount"},
		{"zero loan", func(p *Params) { p.LoanAmount = big.NewInt(0) }, "loan amount"},
		{"nil floor", func(p *Params) { p.MinProfit = nil }, "minimum profit"},
		{"negative floor", func(p *Params) { p.MinProfit = big.NewInt(-1) }, "minimum profit"},
		{"zero slippage", func(p *Params) { p.SlippageBps = 0 }, "slippage tolerance"},
		{"full slippage", func(p *Params) { p.SlippageBps = 10_000 }, "slippage tolerance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := good
			tc.mutate(&p)
			_, err := New(tokens, p, nil)
			assert.ErrorContains(t, err, tc.errMsg)
		})
	}

	unpriced := testTokens(t)
	unpriced[0].USDRef = big.NewInt(0)
	_, err := New(unpriced, good, nil)
	assert.ErrorContains(t, err, "no USD reference")
}
