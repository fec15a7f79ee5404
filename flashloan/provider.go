// Package flashloan quotes and builds flashloan draws. Providers are
// static call builders: fees and capacity come from configuration, and the
// resulting calls travel inside execution bundles. Nothing here talks to a
// node.
package flashloan

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/arbengine/types"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
)

// Canonical mainnet deployments, used when configuration gives no override.
const (
	AavePoolAddress      = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
	BalancerVaultAddress = "0xBA12222222228d8Ba445958a75a0704d566BF2C8"
)

// Provider builds flashloan draw calls and quotes their cost.
type Provider interface {
	Name() string
	// FeeBps is the provider's draw premium in basis points.
	FeeBps() uint32
	// Fee returns the repayment premium for amount, in the loan token.
	Fee(amount *big.Int) *big.Int
	// MaxLoan bounds a single draw of token; nil means uncapped.
	MaxLoan(token common.Address) *big.Int
	// DrawCall wraps params (the receiver's swap plan) in the provider's
	// flashloan entrypoint.
	DrawCall(receiver, token common.Address, amount *big.Int, params []byte) (types.Call, error)
}

func feeOn(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return fmath.ApplyBps(amount, bps)
}
