package graph

import (
	"math/big"
)

// Pricing functions are pure big-integer math. Amounts are fixed-point
// integers in each token's native decimals; no floats anywhere on this
// path.

const bpsDenominator = 10000

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
	// q96 is the Uniswap v3 fixed-point scale for sqrt prices.
	q96 = new(big.Int).Lsh(big.NewInt(1), 96)
)

// cpAmountOut prices a constant-product swap with the fee taken from the
// input, the x*y=k generalization of the 997/1000 formula to an arbitrary
// basis-point tier.
func cpAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if feeBps >= bpsDenominator {
		return new(big.Int), nil
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(bpsDenominator-feeBps)))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(bpsDenominator))
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator), nil
}

// stableAmountOut prices a two-coin StableSwap trade. Balances are
// normalized to 18 decimals, the invariant D is solved by Newton
// iteration, and the fee is taken from the output.
func stableAmountOut(amountIn, reserveIn, reserveOut *big.Int, decIn, decOut uint8, amp uint64, feeBps uint32) (*big.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if amp == 0 {
		return nil, ErrInsufficientLiquidity
	}
	if feeBps >= bpsDenominator {
		return new(big.Int), nil
	}

	xpIn := normalize18(reserveIn, decIn)
	xpOut := normalize18(reserveOut, decOut)
	dx := normalize18(amountIn, decIn)
	// Ann = amp * n^n with n = 2.
	ann := new(big.Int).SetUint64(amp * 4)

	d, err := stableD(xpIn, xpOut, ann)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).Add(xpIn, dx)
	y, err := stableY(x, d, ann)
	if err != nil {
		return nil, err
	}

	dy := new(big.Int).Sub(xpOut, y)
	dy.Sub(dy, bigOne)
	if dy.Sign() <= 0 {
		return new(big.Int), nil
	}
	dy.Mul(dy, big.NewInt(int64(bpsDenominator-feeBps)))
	dy.Div(dy, big.NewInt(bpsDenominator))
	return denormalize18(dy, decOut), nil
}

// stableD solves the StableSwap invariant with at most 255 Newton rounds.
func stableD(x0, x1, ann *big.Int) (*big.Int, error) {
	s := new(big.Int).Add(x0, x1)
	if s.Sign() == 0 {
		return new(big.Int), nil
	}
	d := new(big.Int).Set(s)
	for i := 0; i < 255; i++ {
		// dP = d^3 / (4 * x0 * x1)
		dP := new(big.Int).Set(d)
		dP.Mul(dP, d).Div(dP, new(big.Int).Mul(x0, bigTwo))
		dP.Mul(dP, d).Div(dP, new(big.Int).Mul(x1, bigTwo))

		prev := new(big.Int).Set(d)
		num := new(big.Int).Mul(ann, s)
		num.Add(num, new(big.Int).Mul(dP, bigTwo))
		num.Mul(num, d)
		den := new(big.Int).Sub(ann, bigOne)
		den.Mul(den, d)
		den.Add(den, new(big.Int).Mul(dP, big.NewInt(3)))
		d.Div(num, den)

		if converged(d, prev) {
			return d, nil
		}
	}
	return nil, ErrNoConvergence
}

// stableY solves for the output-side balance given the new input-side
// balance x and the invariant d.
func stableY(x, d, ann *big.Int) (*big.Int, error) {
	c := new(big.Int).Mul(d, d)
	c.Div(c, new(big.Int).Mul(x, bigTwo))
	c.Mul(c, d)
	c.Div(c, new(big.Int).Mul(ann, bigTwo))

	b := new(big.Int).Div(d, ann)
	b.Add(b, x)

	y := new(big.Int).Set(d)
	for i := 0; i < 255; i++ {
		prev := new(big.Int).Set(y)
		num := new(big.Int).Mul(y, y)
		num.Add(num, c)
		den := new(big.Int).Mul(y, bigTwo)
		den.Add(den, b)
		den.Sub(den, d)
		if den.Sign() <= 0 {
			return nil, ErrNoConvergence
		}
		y.Div(num, den)
		if converged(y, prev) {
			return y, nil
		}
	}
	return nil, ErrNoConvergence
}

func converged(a, b *big.Int) bool {
	diff := new(big.Int).Sub(a, b)
	return diff.CmpAbs(bigOne) <= 0
}

// clAmountOut prices a swap against a concentrated-liquidity pool within
// its active tick range, fee taken from the input. Crossing into the next
// initialized tick is not modeled; the feed pushes fresh state per tick.
func clAmountOut(amountIn, sqrtPriceX96, liquidity *big.Int, feeBps uint32, zeroForOne bool) (*big.Int, error) {
	if sqrtPriceX96 == nil || liquidity == nil || sqrtPriceX96.Sign() <= 0 || liquidity.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if feeBps >= bpsDenominator {
		return new(big.Int), nil
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(bpsDenominator-feeBps)))
	inWithFee.Div(inWithFee, big.NewInt(bpsDenominator))
	if inWithFee.Sign() <= 0 {
		return new(big.Int), nil
	}

	lq96 := new(big.Int).Mul(liquidity, q96)
	if zeroForOne {
		// sqrtP' = L*Q96*sqrtP / (L*Q96 + in*sqrtP); out = L*(sqrtP-sqrtP')/Q96
		den := new(big.Int).Mul(inWithFee, sqrtPriceX96)
		den.Add(den, lq96)
		next := new(big.Int).Mul(lq96, sqrtPriceX96)
		next.Div(next, den)

		out := new(big.Int).Sub(sqrtPriceX96, next)
		out.Mul(out, liquidity)
		return out.Div(out, q96), nil
	}
	// sqrtP' = sqrtP + in*Q96/L; out = L*Q96*(sqrtP'-sqrtP) / (sqrtP'*sqrtP)
	delta := new(big.Int).Mul(inWithFee, q96)
	delta.Div(delta, liquidity)
	next := new(big.Int).Add(sqrtPriceX96, delta)

	out := new(big.Int).Sub(next, sqrtPriceX96)
	out.Mul(out, lq96)
	return out.Div(out, new(big.Int).Mul(next, sqrtPriceX96)), nil
}

func normalize18(x *big.Int, dec uint8) *big.Int {
	if dec == 18 {
		return new(big.Int).Set(x)
	}
	if dec < 18 {
		return new(big.Int).Mul(x, pow10(18-dec))
	}
	return new(big.Int).Div(x, pow10(dec-18))
}

func denormalize18(x *big.Int, dec uint8) *big.Int {
	if dec == 18 {
		return x
	}
	if dec < 18 {
		return x.Div(x, pow10(18-dec))
	}
	return x.Mul(x, pow10(dec-18))
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
