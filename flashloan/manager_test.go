package flashloan

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

var (
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	receiver = common.HexToAddress("0x00000000000000000000000000000000DeaDCafe")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newManager(t *testing.T, providers ...Provider) *Manager {
	t.Helper()
	m, err := NewManager(providers, metrics.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestSelectPrefersCheapest(t *testing.T) {
	aave, err := NewAave(common.Address{}, 0, nil)
	require.NoError(t, err)
	balancer, err := NewBalancer(common.Address{}, nil)
	require.NoError(t, err)
	m := newManager(t, aave, balancer)

	p, err := m.Select(weth, e18(100))
	require.NoError(t, err)
	assert.Equal(t, "balancer", p.Name())

	bps, ok := m.BestFeeBps(weth, e18(100))
	require.True(t, ok)
	assert.Equal(t, uint32(0), bps)

	// Quotes must not count as selections.
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.selections.WithLabelValues("balancer")))
}

func TestSelectHonorsCapacity(t *testing.T) {
	aave, err := NewAave(common.Address{}, 0, nil)
	require.NoError(t, err)
	balancer, err := NewBalancer(common.Address{}, map[common.Address]*big.Int{weth: e18(50)})
	require.NoError(t, err)
	m := newManager(t, aave, balancer)

	// Under the balancer cap the free draw wins.
	p, err := m.Select(weth, e18(50))
	require.NoError(t, err)
	assert.Equal(t, "balancer", p.Name())

	// Over it, aave takes the draw despite the premium.
	p, err = m.Select(weth, e18(51))
	require.NoError(t, err)
	assert.Equal(t, "aave", p.Name())

	bps, ok := m.BestFeeBps(weth, e18(51))
	require.True(t, ok)
	assert.Equal(t, uint32(DefaultAaveFeeBps), bps)
}

func TestSelectUnservable(t *testing.T) {
	aave, err := NewAave(common.Address{}, 0, map[common.Address]*big.Int{weth: e18(10)})
	require.NoError(t, err)
	m := newManager(t, aave)

	_, err = m.Select(weth, e18(11))
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.unservable))

	_, err = m.Select(weth, nil)
	assert.Error(t, err)
	_, err = m.Select(weth, big.NewInt(0))
	assert.Error(t, err)
}

func TestManagerRejectsDuplicates(t *testing.T) {
	aave, err := NewAave(common.Address{}, 0, nil)
	require.NoError(t, err)
	_, err = NewManager([]Provider{aave, aave}, metrics.NewRegistry(), zap.NewNop())
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewManager(nil, metrics.NewRegistry(), zap.NewNop())
	assert.Error(t, err)
}

func TestAaveFeeAndDefaults(t *testing.T) {
	aave, err := NewAave(common.Address{}, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(9), aave.FeeBps())
	// 9 bps of 1 WETH.
	assert.Equal(t, "900000000000000", aave.Fee(e18(1)).String())
	assert.Nil(t, aave.MaxLoan(weth))
}

func TestAaveDrawCall(t *testing.T) {
	aave, err := NewAave(common.Address{}, 0, nil)
	require.NoError(t, err)

	call, err := aave.DrawCall(receiver, weth, e18(100), []byte{0xaa, 0xbb})
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(AavePoolAddress), call.To)
	wantSelector := crypto.Keccak256([]byte("flashLoanSimple(address,address,uint256,bytes,uint16)"))[:4]
	assert.Equal(t, wantSelector, []byte(call.Data[:4]))
	assert.Greater(t, len(call.Data), 4+32*4)
}

func TestBalancerDrawCall(t *testing.T) {
	balancer, err := NewBalancer(common.Address{}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), balancer.Fee(e18(5)).Int64())

	call, err := balancer.DrawCall(receiver, weth, e18(100), nil)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(BalancerVaultAddress), call.To)
	wantSelector := crypto.Keccak256([]byte("flashLoan(address,address[],uint256[],bytes)"))[:4]
	assert.Equal(t, wantSelector, []byte(call.Data[:4]))
}
