package math

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyBps(t *testing.T) {
	x := big.NewInt(1_000_000)

	assert.Equal(t, int64(300), ApplyBps(x, 3).Int64())      // 0.03%
	assert.Equal(t, int64(5000), ApplyBps(x, 50).Int64())    // 0.5%
	assert.Equal(t, int64(1_000_000), ApplyBps(x, 10000).Int64())
	assert.Equal(t, int64(0), ApplyBps(big.NewInt(0), 500).Int64())
}

func TestSubBps(t *testing.T) {
	x := big.NewInt(10_000)

	assert.Equal(t, int64(9970), SubBps(x, 30).Int64())
	assert.Equal(t, int64(10_000), SubBps(x, 0).Int64())
	assert.Equal(t, int64(0), SubBps(x, 10000).Int64())
	assert.Equal(t, int64(0), SubBps(x, 20000).Int64())
}

func TestConvertByRef(t *testing.T) {
	weth := big.NewInt(3000)
	weth.Mul(weth, One18()) // $3000, 1e18-scaled
	usdc := One18()         // $1

	// 1 WETH (18 decimals) -> 3000 USDC (6 decimals)
	oneWeth := new(big.Int).Set(One18())
	out := ConvertByRef(oneWeth, 18, weth, 6, usdc)
	assert.Equal(t, int64(3000_000000), out.Int64())

	// Round trip back to WETH
	back := ConvertByRef(out, 6, usdc, 18, weth)
	assert.Equal(t, oneWeth.String(), back.String())

	// Zero target ref guards against division by zero
	assert.Equal(t, int64(0), ConvertByRef(oneWeth, 18, weth, 6, big.NewInt(0)).Int64())
}

func TestMarginBps(t *testing.T) {
	assert.Equal(t, int64(100), MarginBps(big.NewInt(100), big.NewInt(10_000)))
	assert.Equal(t, int64(-50), MarginBps(big.NewInt(-50), big.NewInt(10_000)))
	assert.Equal(t, int64(0), MarginBps(big.NewInt(5), big.NewInt(0)))
}

func TestParseUSDRef(t *testing.T) {
	ref, err := ParseUSDRef("3000")
	require.NoError(t, err)
	want := new(big.Int).Mul(big.NewInt(3000), One18())
	assert.Equal(t, want.String(), ref.String())

	ref, err = ParseUSDRef("0.9997")
	require.NoError(t, err)
	assert.Equal(t, "999700000000000000", ref.String())

	_, err = ParseUSDRef("not-a-number")
	assert.Error(t, err)

	_, err = ParseUSDRef("-1")
	assert.Error(t, err)
}

func TestUSDToUnits(t *testing.T) {
	// $150 of a $3000 token with 18 decimals = 0.05 tokens
	usd := new(big.Int).Mul(big.NewInt(150), One18())
	ref := new(big.Int).Mul(big.NewInt(3000), One18())

	units := USDToUnits(usd, 18, ref)
	want, _ := new(big.Int).SetString("50000000000000000", 10)
	assert.Equal(t, want.String(), units.String())

	// $150 of a $1 token with 6 decimals = 150e6 units
	one := One18()
	assert.Equal(t, int64(150_000000), USDToUnits(usd, 6, one).Int64())
}

func TestUSDValue(t *testing.T) {
	ref := new(big.Int).Mul(big.NewInt(3000), One18())
	half := new(big.Int).Quo(One18(), big.NewInt(2)) // 0.5 tokens

	v := USDValue(half, 18, ref)
	assert.Equal(t, "1500", v.String())

	assert.True(t, USDValue(nil, 18, ref).IsZero())
}
