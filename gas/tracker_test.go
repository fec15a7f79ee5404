package gas

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

func newTracker(baseFee, tip *big.Int) *Tracker {
	return New(baseFee, tip, 0, 0, metrics.NewRegistry(), zap.NewNop())
}

func TestSeededFees(t *testing.T) {
	tr := newTracker(big.NewInt(30_000_000_000), big.NewInt(2_000_000_000))

	base, tip := tr.Fees()
	assert.Equal(t, int64(30_000_000_000), base.Int64())
	assert.Equal(t, int64(2_000_000_000), tip.Int64())
	assert.Equal(t, int64(32_000_000_000), tr.GasPrice().Int64())
	assert.Equal(t, uint64(0), tr.Head())
}

func TestObserveMonotonicHead(t *testing.T) {
	tr := newTracker(big.NewInt(10), big.NewInt(1))

	assert.True(t, tr.Observe(100, big.NewInt(50), big.NewInt(5)))
	assert.Equal(t, uint64(100), tr.Head())
	base, tip := tr.Fees()
	assert.Equal(t, int64(50), base.Int64())
	assert.Equal(t, int64(5), tip.Int64())

	// A stale head cannot roll fees back.
	assert.False(t, tr.Observe(99, big.NewInt(999), big.NewInt(999)))
	assert.Equal(t, uint64(100), tr.Head())
	base, _ = tr.Fees()
	assert.Equal(t, int64(50), base.Int64())

	// Same-height observations refresh the estimate but do not advance.
	assert.False(t, tr.Observe(100, big.NewInt(60), nil))
	base, tip = tr.Fees()
	assert.Equal(t, int64(60), base.Int64())
	assert.Equal(t, int64(5), tip.Int64())
}

func TestEstimateBundleGas(t *testing.T) {
	tr := newTracker(nil, nil)

	assert.Equal(t, uint64(0), tr.EstimateBundleGas(0))
	assert.Equal(t, uint64(BaseTxGas+DefaultPerHopGas*2+DefaultFlashloanOverheadGas), tr.EstimateBundleGas(2))
	assert.Equal(t, uint64(BaseTxGas+DefaultPerHopGas*3+DefaultFlashloanOverheadGas), tr.EstimateBundleGas(3))

	custom := New(nil, nil, 100_000, 50_000, metrics.NewRegistry(), zap.NewNop())
	assert.Equal(t, uint64(21000+100_000*2+50_000), custom.EstimateBundleGas(2))
}

func TestCostWei(t *testing.T) {
	tr := newTracker(big.NewInt(30), big.NewInt(2))

	cost := tr.CostWei(1000)
	require.NotNil(t, cost)
	assert.Equal(t, int64(32_000), cost.Int64())

	// Returned values are copies; mutating them cannot corrupt the tracker.
	cost.SetInt64(0)
	assert.Equal(t, int64(32), tr.GasPrice().Int64())
}
