package gas

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

const (
	// BaseTxGas is the intrinsic cost of any transaction.
	BaseTxGas = 21000
	// DefaultPerHopGas covers storage reads, token transfers and swap
	// execution for one pool traversal.
	DefaultPerHopGas = 152000
	// DefaultFlashloanOverheadGas covers the loan draw and repay calls
	// around the swap sequence.
	DefaultFlashloanOverheadGas = 90000
)

// Tracker maintains the chain head and the current fee estimate from feed
// head events. It never polls a node itself; ingestion pushes observations
// in.
type Tracker struct {
	logger *zap.Logger

	perHopGas         uint64
	flashloanOverhead uint64

	mu      sync.RWMutex
	head    uint64
	baseFee *big.Int
	tipCap  *big.Int

	metrics struct {
		headBlock  prometheus.Gauge
		baseFeeWei prometheus.Gauge
		tipWei     prometheus.Gauge
	}
}

// New seeds the tracker with configured fee levels, used until the first
// head observation arrives. Zero gas-model overrides fall back to the
// defaults.
func New(baseFee, tipCap *big.Int, perHopGas, flashloanOverhead uint64, reg prometheus.Registerer, logger *zap.Logger) *Tracker {
	if perHopGas == 0 {
		perHopGas = DefaultPerHopGas
	}
	if flashloanOverhead == 0 {
		flashloanOverhead = DefaultFlashloanOverheadGas
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		logger:            logger,
		perHopGas:         perHopGas,
		flashloanOverhead: flashloanOverhead,
		baseFee:           new(big.Int),
		tipCap:            new(big.Int),
	}
	if baseFee != nil {
		t.baseFee.Set(baseFee)
	}
	if tipCap != nil {
		t.tipCap.Set(tipCap)
	}
	t.metrics.headBlock = metrics.Gauge(reg, "gas", "head_block", "Latest observed chain head")
	t.metrics.baseFeeWei = metrics.Gauge(reg, "gas", "base_fee_wei", "Current base fee estimate")
	t.metrics.tipWei = metrics.Gauge(reg, "gas", "tip_wei", "Current priority fee estimate")
	t.metrics.baseFeeWei.Set(bigFloat(t.baseFee))
	t.metrics.tipWei.Set(bigFloat(t.tipCap))
	return t
}

// Observe records a head event and reports whether the head advanced.
// Observations behind the known head are ignored; fee state always belongs
// to the newest block seen.
func (t *Tracker) Observe(block uint64, baseFee, tipCap *big.Int) bool {
	t.mu.Lock()
	if block < t.head {
		t.mu.Unlock()
		return false
	}
	advanced := block > t.head
	t.head = block
	if baseFee != nil && baseFee.Sign() >= 0 {
		t.baseFee.Set(baseFee)
	}
	if tipCap != nil && tipCap.Sign() >= 0 {
		t.tipCap.Set(tipCap)
	}
	base := new(big.Int).Set(t.baseFee)
	tip := new(big.Int).Set(t.tipCap)
	t.mu.Unlock()

	t.metrics.headBlock.Set(float64(block))
	t.metrics.baseFeeWei.Set(bigFloat(base))
	t.metrics.tipWei.Set(bigFloat(tip))
	t.logger.Debug("head observed",
		zap.Uint64("block", block),
		zap.String("base_fee", base.String()),
		zap.String("tip", tip.String()))
	return advanced
}

// Head returns the latest observed block height.
func (t *Tracker) Head() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// Fees returns copies of the current base fee and priority fee in wei.
func (t *Tracker) Fees() (baseFee, tipCap *big.Int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.baseFee), new(big.Int).Set(t.tipCap)
}

// GasPrice returns the effective per-unit price, base fee plus tip.
func (t *Tracker) GasPrice() *big.Int {
	base, tip := t.Fees()
	return base.Add(base, tip)
}

// EstimateBundleGas models an arbitrage bundle: intrinsic cost, one swap
// per hop, and the flashloan draw/repay overhead.
func (t *Tracker) EstimateBundleGas(hops int) uint64 {
	if hops <= 0 {
		return 0
	}
	return BaseTxGas + t.perHopGas*uint64(hops) + t.flashloanOverhead
}

// CostWei prices a gas amount at the current effective gas price.
func (t *Tracker) CostWei(gasUnits uint64) *big.Int {
	price := t.GasPrice()
	return price.Mul(price, new(big.Int).SetUint64(gasUnits))
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
