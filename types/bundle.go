package types

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call is one call of an atomic bundle, in execution order.
type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Gas   uint64         `json:"gas,omitempty"`
	Data  hexutil.Bytes  `json:"data"`
}

// ExecutionBundle is the atomic call sequence for one claimed opportunity:
// flashloan draw, the hop swaps, loan repay, profit sweep. It is owned
// exclusively by the execution coordinator for one submission attempt and
// may land in any block of [TargetBlock, MaxBlock].
type ExecutionBundle struct {
	OpportunityID string `json:"opportunity_id"`
	Calls         []Call `json:"calls"`

	TargetBlock uint64 `json:"target_block"`
	MaxBlock    uint64 `json:"max_block"`

	MaxFeePerGas         *hexutil.Big `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"max_priority_fee_per_gas"`
	GasLimit             uint64       `json:"gas_limit"`
}

// Hash is the bundle's stable identity across relays, a keccak over the
// canonical JSON encoding.
func (b *ExecutionBundle) Hash() common.Hash {
	data, _ := json.Marshal(b)
	return crypto.Keccak256Hash(data)
}

// WindowOpen reports whether a future block can still include the bundle
// given the current head.
func (b *ExecutionBundle) WindowOpen(head uint64) bool {
	return head < b.MaxBlock
}
