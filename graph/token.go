package graph

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is a node in the liquidity graph. Tokens are registered once at
// startup and never mutated; snapshots share the same token table.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8

	// USDRef is the reference price of one whole token in USD, scaled to
	// 1e18. It is used for threshold conversion and display only; hop
	// pricing never consults it.
	USDRef *big.Int
}
