// Package profit prices candidate arbitrage cycles. The estimator is
// pure: no I/O, no clocks, no globals, and identical inputs always
// produce identical estimates. All token-amount arithmetic is scaled
// big-integer math; USD and confidence values exist only at the display
// boundary and never feed back into amounts.
package profit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/michaelpento.lv/arbengine/flashloan"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/types"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
)

// Params are the static economics fixed at startup. Amounts are in base
// token native units, converted once from their USD configuration.
type Params struct {
	// BaseToken is the token index cycles start and end in.
	BaseToken int32
	// NativeToken is the token gas is paid in; gas cost in wei converts
	// into base units through the two tokens' USD references.
	NativeToken int32
	// LoanAmount is the flashloan principal sized for every candidate.
	LoanAmount *big.Int
	// MinProfit is the floor below which a cycle is not worth executing.
	MinProfit *big.Int
	// FallbackFeeBps prices the flashloan when no provider can quote the
	// principal.
	FallbackFeeBps uint32
	// SlippageBps anchors the confidence score: margin at twice the
	// tolerance scores 1.0.
	SlippageBps uint32
}

// Estimator computes the net economics of priced cycles against a fixed
// token table and loan size.
type Estimator struct {
	tokens  []graph.Token
	params  Params
	manager *flashloan.Manager
}

// Estimate is the priced outcome for one candidate cycle. Amounts are in
// base token native units.
type Estimate struct {
	Loan     *big.Int
	GrossOut *big.Int
	LoanFee  *big.Int
	GasCost  *big.Int
	Net      *big.Int

	// NetUSD and Confidence are display and ranking values.
	NetUSD     decimal.Decimal
	MarginBps  int64
	Confidence float64
	Profitable bool
}

// New validates the economics and binds them to the token table. The
// flashloan manager is optional; without one the fallback fee prices
// every loan.
func New(tokens []graph.Token, params Params, manager *flashloan.Manager) (*Estimator, error) {
	if int(params.BaseToken) < 0 || int(params.BaseToken) >= len(tokens) {
		return nil, fmt.Errorf("base token index %d out of range", params.BaseToken)
	}
	if int(params.NativeToken) < 0 || int(params.NativeToken) >= len(tokens) {
		return nil, fmt.Errorf("native token index %d out of range", params.NativeToken)
	}
	if params.LoanAmount == nil || params.LoanAmount.Sign() <= 0 {
		return nil, errors.New("loan amount must be positive")
	}
	if params.MinProfit == nil || params.MinProfit.Sign() < 0 {
		return nil, errors.New("minimum profit must be non-negative")
	}
	if params.SlippageBps == 0 || params.SlippageBps >= fmath.BpsDenominator {
		return nil, fmt.Errorf("slippage tolerance %d bps out of range", params.SlippageBps)
	}
	base := tokens[params.BaseToken]
	native := tokens[params.NativeToken]
	if base.USDRef == nil || base.USDRef.Sign() <= 0 {
		return nil, fmt.Errorf("base token %s has no USD reference", base.Symbol)
	}
	if native.USDRef == nil || native.USDRef.Sign() <= 0 {
		return nil, fmt.Errorf("native token %s has no USD reference", native.Symbol)
	}
	return &Estimator{tokens: tokens, params: params, manager: manager}, nil
}

// Loan returns the configured flashloan principal in base token units.
func (e *Estimator) Loan() *big.Int {
	return new(big.Int).Set(e.params.LoanAmount)
}

// BaseToken returns the index of the cycle base token.
func (e *Estimator) BaseToken() int32 {
	return e.params.BaseToken
}

// MinProfit returns the configured profit floor in base token units.
func (e *Estimator) MinProfit() *big.Int {
	return new(big.Int).Set(e.params.MinProfit)
}

// Estimate prices a completed cycle that turned the configured loan into
// grossOut base units, paying gasUnits at gasPriceWei. grossOut below
// the loan simply yields a negative net; a nil or negative grossOut
// clamps to zero.
func (e *Estimator) Estimate(grossOut *big.Int, gasUnits uint64, gasPriceWei *big.Int) *Estimate {
	loan := e.params.LoanAmount
	base := e.tokens[e.params.BaseToken]
	native := e.tokens[e.params.NativeToken]

	est := &Estimate{Loan: new(big.Int).Set(loan)}
	if grossOut == nil || grossOut.Sign() < 0 {
		est.GrossOut = new(big.Int)
	} else {
		est.GrossOut = new(big.Int).Set(grossOut)
	}

	est.LoanFee = fmath.ApplyBps(loan, e.feeBps())

	wei := new(big.Int)
	if gasPriceWei != nil && gasPriceWei.Sign() > 0 {
		wei.Mul(new(big.Int).SetUint64(gasUnits), gasPriceWei)
	}
	est.GasCost = fmath.ConvertByRef(wei, native.Decimals, native.USDRef, base.Decimals, base.USDRef)

	net := new(big.Int).Sub(est.GrossOut, loan)
	net.Sub(net, est.LoanFee)
	net.Sub(net, est.GasCost)
	est.Net = net

	est.NetUSD = fmath.USDValue(net, base.Decimals, base.USDRef)
	est.MarginBps = fmath.MarginBps(net, loan)
	est.Confidence = confidence(est.MarginBps, e.params.SlippageBps)
	est.Profitable = net.Sign() > 0 && net.Cmp(e.params.MinProfit) >= 0
	return est
}

// BreakEven returns the minimum grossOut at which a cycle of the given
// gas cost nets exactly the profitability floor.
func (e *Estimator) BreakEven(gasUnits uint64, gasPriceWei *big.Int) *big.Int {
	base := e.tokens[e.params.BaseToken]
	native := e.tokens[e.params.NativeToken]

	out := new(big.Int).Set(e.params.LoanAmount)
	out.Add(out, fmath.ApplyBps(e.params.LoanAmount, e.feeBps()))
	if gasPriceWei != nil && gasPriceWei.Sign() > 0 {
		wei := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), gasPriceWei)
		out.Add(out, fmath.ConvertByRef(wei, native.Decimals, native.USDRef, base.Decimals, base.USDRef))
	}
	return out.Add(out, e.params.MinProfit)
}

// feeBps resolves the flashloan premium for the configured principal:
// the cheapest provider quote when one can serve it, the configured
// fallback otherwise.
func (e *Estimator) feeBps() uint32 {
	if e.manager != nil {
		if bps, ok := e.manager.BestFeeBps(e.tokens[e.params.BaseToken].Address, e.params.LoanAmount); ok {
			return bps
		}
	}
	return e.params.FallbackFeeBps
}

// confidence maps margin headroom over the slippage tolerance onto
// [0,1]. The score ranks candidates and is never an input to amount
// math.
func confidence(marginBps int64, slippageBps uint32) float64 {
	if marginBps <= 0 {
		return 0
	}
	c := float64(marginBps) / (2 * float64(slippageBps))
	if c > 1 {
		return 1
	}
	return c
}

// WalkPath reprices a pool sequence that starts and ends at base on the
// given snapshot, returning the per-hop amounts and the final base-token
// output. The coordinator uses it to re-validate a claimed opportunity
// against current state before building a bundle.
func WalkPath(snap *graph.Snapshot, base int32, poolIDs []string, amountIn *big.Int) ([]types.Hop, *big.Int, error) {
	if len(poolIDs) == 0 {
		return nil, nil, errors.New("empty pool path")
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, nil, graph.ErrZeroAmount
	}

	tokens := snap.Tokens()
	hops := make([]types.Hop, 0, len(poolIDs))
	tokenIn := base
	amt := new(big.Int).Set(amountIn)
	for _, id := range poolIDs {
		pool, ok := snap.PoolByID(id)
		if !ok {
			return nil, nil, fmt.Errorf("pool %s not in snapshot", id)
		}
		tokenOut, err := pool.Other(tokenIn)
		if err != nil {
			return nil, nil, fmt.Errorf("pool %s does not trade %s: %w", id, tokens[tokenIn].Symbol, err)
		}
		out, err := pool.AmountOut(tokenIn, amt, tokens)
		if err != nil {
			return nil, nil, fmt.Errorf("price hop %s: %w", id, err)
		}
		if out.Sign() <= 0 {
			return nil, nil, fmt.Errorf("hop %s: %w", id, graph.ErrInsufficientLiquidity)
		}
		hops = append(hops, types.Hop{
			PoolID:      pool.ID,
			PoolAddress: pool.Address,
			Venue:       pool.Venue,
			Kind:        pool.Kind,
			FeeBps:      pool.FeeBps,
			TokenIn:     tokenIn,
			TokenOut:    tokenOut,
			SymbolIn:    tokens[tokenIn].Symbol,
			SymbolOut:   tokens[tokenOut].Symbol,
			AmountIn:    amt,
			AmountOut:   out,
		})
		tokenIn = tokenOut
		amt = new(big.Int).Set(out)
	}
	if tokenIn != base {
		return nil, nil, fmt.Errorf("path does not return to %s", tokens[base].Symbol)
	}
	return hops, amt, nil
}
