// Package math provides fixed-point integer helpers for token amount
// arithmetic. Amounts are *big.Int scaled to each token's decimals; USD
// references are 1e18-scaled integers. Floats never enter amount math --
// decimal.Decimal appears only at the display boundary.
package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// BpsDenominator is the basis-point scale used by all fee math.
	BpsDenominator = 10000
	// RefDecimals is the fixed scale of USD price references.
	RefDecimals = 18
)

var (
	bpsDen   = big.NewInt(BpsDenominator)
	oneE18   = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	pow10Tab [77]*big.Int
)

func init() {
	v := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range pow10Tab {
		pow10Tab[i] = new(big.Int).Set(v)
		v.Mul(v, ten)
	}
}

// Pow10 returns 10^n as a shared read-only *big.Int.
func Pow10(n uint8) *big.Int {
	if int(n) < len(pow10Tab) {
		return pow10Tab[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// One18 returns the shared 1e18 constant.
func One18() *big.Int {
	return oneE18
}

// ApplyBps returns x * bps / 10000.
func ApplyBps(x *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(int64(bps)))
	return out.Quo(out, bpsDen)
}

// SubBps returns x reduced by bps: x * (10000 - bps) / 10000.
func SubBps(x *big.Int, bps uint32) *big.Int {
	if bps >= BpsDenominator {
		return new(big.Int)
	}
	out := new(big.Int).Mul(x, big.NewInt(int64(BpsDenominator-bps)))
	return out.Quo(out, bpsDen)
}

// MulDiv returns x * num / den without intermediate overflow.
func MulDiv(x, num, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(x, num)
	return out.Quo(out, den)
}

// ConvertByRef converts an amount between two tokens through their 1e18-scaled
// USD references: out = amount * fromRef * 10^toDec / (10^fromDec * toRef).
// The reference scales cancel, so no 1e18 factor appears.
func ConvertByRef(amount *big.Int, fromDec uint8, fromRef *big.Int, toDec uint8, toRef *big.Int) *big.Int {
	if toRef == nil || toRef.Sign() == 0 || fromRef == nil {
		return new(big.Int)
	}
	num := new(big.Int).Mul(amount, fromRef)
	num.Mul(num, Pow10(toDec))
	den := new(big.Int).Mul(Pow10(fromDec), toRef)
	return num.Quo(num, den)
}

// MarginBps returns the net margin of net over principal in basis points,
// truncated toward zero. Zero principal yields zero.
func MarginBps(net, principal *big.Int) int64 {
	if principal == nil || principal.Sign() == 0 || net == nil {
		return 0
	}
	m := new(big.Int).Mul(net, bpsDen)
	m.Quo(m, principal)
	if !m.IsInt64() {
		if m.Sign() > 0 {
			return int64(^uint64(0) >> 1)
		}
		return -int64(^uint64(0)>>1) - 1
	}
	return m.Int64()
}

// ParseUSDRef parses a decimal USD string ("3000", "0.9997") into a
// 1e18-scaled integer reference.
func ParseUSDRef(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse usd value %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("usd value %q is negative", s)
	}
	return d.Shift(RefDecimals).BigInt(), nil
}

// USDToUnits converts a 1e18-scaled USD value into token units given the
// token's decimals and 1e18-scaled USD reference.
func USDToUnits(usd1e18 *big.Int, decimals uint8, usdRef *big.Int) *big.Int {
	if usdRef == nil || usdRef.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(usd1e18, Pow10(decimals))
	return out.Quo(out, usdRef)
}

// USDValue renders a token amount as a display-only decimal USD value.
func USDValue(amount *big.Int, decimals uint8, usdRef *big.Int) decimal.Decimal {
	if amount == nil || usdRef == nil {
		return decimal.Zero
	}
	a := decimal.NewFromBigInt(amount, -int32(decimals))
	ref := decimal.NewFromBigInt(usdRef, -RefDecimals)
	return a.Mul(ref)
}
