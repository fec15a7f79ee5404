package graph

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VenueKind is the closed set of supported pool pricing models.
type VenueKind uint8

const (
	ConstantProduct VenueKind = iota
	StableSwap
	ConcentratedLiquidity
)

func (k VenueKind) String() string {
	switch k {
	case ConstantProduct:
		return "constant_product"
	case StableSwap:
		return "stable_swap"
	case ConcentratedLiquidity:
		return "concentrated_liquidity"
	default:
		return fmt.Sprintf("venue_kind(%d)", uint8(k))
	}
}

// ParseVenueKind maps a config string to a VenueKind.
func ParseVenueKind(s string) (VenueKind, error) {
	switch s {
	case "constant_product":
		return ConstantProduct, nil
	case "stable_swap":
		return StableSwap, nil
	case "concentrated_liquidity":
		return ConcentratedLiquidity, nil
	default:
		return 0, fmt.Errorf("unknown venue kind %q", s)
	}
}

var (
	ErrNotPoolToken          = errors.New("token is not a pool endpoint")
	ErrZeroAmount            = errors.New("swap amount must be positive")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrNoConvergence         = errors.New("stable-swap solver did not converge")
)

// PoolState is one edge of the liquidity graph. Instances are immutable
// once published in a snapshot; the store's writer mutates only private
// copies before publication.
type PoolState struct {
	// ID is the feed-facing pool identifier, unique across venues.
	ID      string
	Venue   string
	Address common.Address
	Kind    VenueKind

	// Token endpoints as indices into the snapshot token table.
	Token0 int32
	Token1 int32
	FeeBps uint32

	// Constant-product and stable-swap state.
	Reserve0 *big.Int
	Reserve1 *big.Int
	// Stable-swap amplification coefficient.
	AmpFactor uint64
	// Concentrated-liquidity state for the active tick range.
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32

	// Version watermarks, written only by the store.
	ConfirmedBlock uint64
	ConfirmedSeq   uint64
	PendingBlock   uint64
	PendingSeq     uint64
	// Provisional marks state implied by a pending transaction rather
	// than a confirmed on-chain push.
	Provisional bool
	// UpdatedSeq is the store sequence that last touched this pool.
	UpdatedSeq uint64
}

// Other returns the opposite endpoint of tokenIn, or ErrNotPoolToken.
func (p *PoolState) Other(tokenIn int32) (int32, error) {
	switch tokenIn {
	case p.Token0:
		return p.Token1, nil
	case p.Token1:
		return p.Token0, nil
	default:
		return 0, ErrNotPoolToken
	}
}

// AmountOut prices a swap of amountIn units of tokenIn against the pool,
// dispatching on the venue kind. tokens supplies decimals for stable-swap
// balance normalization. The result is in the output token's native units.
func (p *PoolState) AmountOut(tokenIn int32, amountIn *big.Int, tokens []Token) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	zeroForOne := tokenIn == p.Token0
	if !zeroForOne && tokenIn != p.Token1 {
		return nil, ErrNotPoolToken
	}

	switch p.Kind {
	case ConstantProduct:
		if zeroForOne {
			return cpAmountOut(amountIn, p.Reserve0, p.Reserve1, p.FeeBps)
		}
		return cpAmountOut(amountIn, p.Reserve1, p.Reserve0, p.FeeBps)
	case StableSwap:
		dec0 := tokens[p.Token0].Decimals
		dec1 := tokens[p.Token1].Decimals
		if zeroForOne {
			return stableAmountOut(amountIn, p.Reserve0, p.Reserve1, dec0, dec1, p.AmpFactor, p.FeeBps)
		}
		return stableAmountOut(amountIn, p.Reserve1, p.Reserve0, dec1, dec0, p.AmpFactor, p.FeeBps)
	case ConcentratedLiquidity:
		return clAmountOut(amountIn, p.SqrtPriceX96, p.Liquidity, p.FeeBps, zeroForOne)
	default:
		return nil, fmt.Errorf("pool %s: unsupported venue kind %d", p.ID, p.Kind)
	}
}

// CloneInto deep-copies p into dst, reusing dst's allocations when it is
// non-nil. Used by the store's copy-on-write path.
func (p *PoolState) CloneInto(dst *PoolState) *PoolState {
	if dst == nil {
		dst = new(PoolState)
	}
	r0, r1, sp, lq := dst.Reserve0, dst.Reserve1, dst.SqrtPriceX96, dst.Liquidity
	*dst = *p
	dst.Reserve0 = copyBig(r0, p.Reserve0)
	dst.Reserve1 = copyBig(r1, p.Reserve1)
	dst.SqrtPriceX96 = copyBig(sp, p.SqrtPriceX96)
	dst.Liquidity = copyBig(lq, p.Liquidity)
	return dst
}

// Clone returns a fresh deep copy of p.
func (p *PoolState) Clone() *PoolState {
	return p.CloneInto(nil)
}

func copyBig(dst, src *big.Int) *big.Int {
	if src == nil {
		return nil
	}
	if dst == nil {
		return new(big.Int).Set(src)
	}
	return dst.Set(src)
}
