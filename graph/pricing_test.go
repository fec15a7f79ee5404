package graph

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigExp(mantissa int64, exp uint) *big.Int {
	v := big.NewInt(mantissa)
	return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
}

func TestConstantProductAmountOut(t *testing.T) {
	in := bigExp(1, 18)
	reserveIn := bigExp(100, 18)
	reserveOut := bigExp(200, 18)

	out, err := cpAmountOut(in, reserveIn, reserveOut, 30)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1974316068794122597", 10)
	assert.Equal(t, 0, out.Cmp(want))

	// Tiny trade against deep zero-fee reserves approaches the spot price.
	out, err = cpAmountOut(big.NewInt(1_000_000), bigExp(1, 12), bigExp(1, 12), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(999999), out.Int64())
}

func TestConstantProductRoundTripLosesToFees(t *testing.T) {
	in := bigExp(1, 18)
	r0 := bigExp(100, 18)
	r1 := bigExp(200, 18)

	out1, err := cpAmountOut(in, r0, r1, 30)
	require.NoError(t, err)
	out2, err := cpAmountOut(out1, r1, r0, 30)
	require.NoError(t, err)
	assert.Equal(t, -1, out2.Cmp(in))
}

func TestConstantProductInsufficientLiquidity(t *testing.T) {
	_, err := cpAmountOut(big.NewInt(1), new(big.Int), bigExp(1, 18), 30)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	_, err = cpAmountOut(big.NewInt(1), nil, bigExp(1, 18), 30)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestStableSwapNearPeg(t *testing.T) {
	// 1M/1M two-coin pool, amp 100, 4 bps fee, mixed 6/18 decimals.
	reserveIn := bigExp(1_000_000, 6)
	reserveOut := bigExp(1_000_000, 18)
	in := bigExp(1000, 6)

	out, err := stableAmountOut(in, reserveIn, reserveOut, 6, 18, 100, 4)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("999595026885489775668", 10)
	assert.Equal(t, 0, out.Cmp(want))

	// Deterministic: same inputs, same output.
	again, err := stableAmountOut(in, reserveIn, reserveOut, 6, 18, 100, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Cmp(again))
}

func TestStableSwapBeatsConstantProductNearPeg(t *testing.T) {
	reserveIn := bigExp(1_000_000, 6)
	reserveOut := bigExp(1_000_000, 18)
	in := bigExp(1000, 6)

	stable, err := stableAmountOut(in, reserveIn, reserveOut, 6, 18, 100, 4)
	require.NoError(t, err)
	cp, err := cpAmountOut(in, reserveIn, reserveOut, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, stable.Cmp(cp))
}

func TestStableSwapGuards(t *testing.T) {
	_, err := stableAmountOut(big.NewInt(1), new(big.Int), bigExp(1, 18), 18, 18, 100, 4)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	_, err = stableAmountOut(big.NewInt(1), bigExp(1, 18), bigExp(1, 18), 18, 18, 0, 4)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestConcentratedLiquidityAmountOut(t *testing.T) {
	sqrtP := new(big.Int).Set(q96) // price 1
	liquidity := bigExp(1, 18)
	in := bigExp(1, 15)

	out, err := clAmountOut(in, sqrtP, liquidity, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(999000999000999), out.Int64())

	// Symmetric at price 1.
	out, err = clAmountOut(in, sqrtP, liquidity, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int64(999000999000999), out.Int64())

	out, err = clAmountOut(in, sqrtP, liquidity, 30, true)
	require.NoError(t, err)
	assert.Equal(t, int64(996006981039903), out.Int64())
}

func TestConcentratedLiquidityGuards(t *testing.T) {
	_, err := clAmountOut(big.NewInt(1), nil, bigExp(1, 18), 0, true)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	_, err = clAmountOut(big.NewInt(1), new(big.Int).Set(q96), new(big.Int), 0, true)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestPoolAmountOutDispatch(t *testing.T) {
	tokens := []Token{
		{Symbol: "WETH", Decimals: 18},
		{Symbol: "USDC", Decimals: 6},
	}
	pool := &PoolState{
		ID:       "v2:weth-usdc",
		Kind:     ConstantProduct,
		Token0:   0,
		Token1:   1,
		FeeBps:   30,
		Reserve0: bigExp(100, 18),
		Reserve1: bigExp(300_000, 6),
	}

	out, err := pool.AmountOut(0, bigExp(1, 18), tokens)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sign())

	// Reverse direction prices against the swapped reserves.
	back, err := pool.AmountOut(1, bigExp(3000, 6), tokens)
	require.NoError(t, err)
	assert.Equal(t, 1, back.Sign())
	assert.Equal(t, -1, back.Cmp(bigExp(1, 18)))

	_, err = pool.AmountOut(2, bigExp(1, 18), tokens)
	assert.ErrorIs(t, err, ErrNotPoolToken)
	_, err = pool.AmountOut(0, new(big.Int), tokens)
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = pool.AmountOut(0, nil, tokens)
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestCloneIntoReusesAllocations(t *testing.T) {
	src := &PoolState{
		ID:       "v2:a-b",
		Kind:     ConstantProduct,
		Token0:   0,
		Token1:   1,
		FeeBps:   30,
		Reserve0: bigExp(5, 18),
		Reserve1: bigExp(7, 18),
	}
	dst := &PoolState{
		Reserve0: big.NewInt(1),
		Reserve1: big.NewInt(2),
	}
	keep0, keep1 := dst.Reserve0, dst.Reserve1

	got := src.CloneInto(dst)
	assert.Same(t, dst, got)
	assert.Same(t, keep0, got.Reserve0)
	assert.Same(t, keep1, got.Reserve1)
	assert.Equal(t, 0, got.Reserve0.Cmp(src.Reserve0))
	assert.Equal(t, 0, got.Reserve1.Cmp(src.Reserve1))

	// Mutating the clone leaves the source untouched.
	got.Reserve0.SetInt64(42)
	assert.Equal(t, 0, src.Reserve0.Cmp(bigExp(5, 18)))
}

func TestVenueKindParse(t *testing.T) {
	for _, k := range []VenueKind{ConstantProduct, StableSwap, ConcentratedLiquidity} {
		parsed, err := ParseVenueKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseVenueKind("orderbook")
	assert.Error(t, err)
}
