package executor

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/michaelpento.lv/arbengine/flashloan"
	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/types"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
)

// sweepGas covers the profit transfer out of the receiver.
const sweepGas = 45000

// receiverABI is the deployed executor contract: the flashloan callback
// runs the encoded hop plan and repays, sweepProfit moves what is left to
// the profit wallet. minAmountOut on each hop and minAmount on the sweep
// make the whole bundle revert instead of executing at a worse price.
const receiverABI = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "pool", "type": "address"},
					{"internalType": "address", "name": "tokenIn", "type": "address"},
					{"internalType": "address", "name": "tokenOut", "type": "address"},
					{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
					{"internalType": "uint256", "name": "minAmountOut", "type": "uint256"}
				],
				"internalType": "struct Hop[]",
				"name": "hops",
				"type": "tuple[]"
			}
		],
		"name": "executeArbitrage",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "token", "type": "address"},
			{"internalType": "uint256", "name": "minAmount", "type": "uint256"}
		],
		"name": "sweepProfit",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

type abiHop struct {
	Pool         common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// BundleBuilder assembles execution bundles: a flashloan draw whose
// callback parameters encode the hop plan, followed by the profit sweep.
// The token table is fixed at construction, matching the graph's universe.
type BundleBuilder struct {
	manager     *flashloan.Manager
	tracker     *gas.Tracker
	tokens      []graph.Token
	receiver    common.Address
	slippageBps uint32
	abi         abi.ABI
}

// NewBundleBuilder binds the builder to the receiver contract and the
// slippage tolerance applied to every hop's minimum output.
func NewBundleBuilder(manager *flashloan.Manager, tracker *gas.Tracker, tokens []graph.Token, receiver common.Address, slippageBps uint32) (*BundleBuilder, error) {
	if manager == nil || tracker == nil {
		return nil, errors.New("bundle builder requires a flashloan manager and a gas tracker")
	}
	if len(tokens) == 0 {
		return nil, errors.New("bundle builder requires the token table")
	}
	if receiver == (common.Address{}) {
		return nil, errors.New("bundle builder requires the receiver contract address")
	}
	if slippageBps >= fmath.BpsDenominator {
		return nil, fmt.Errorf("slippage tolerance %d bps out of range", slippageBps)
	}
	parsed, err := abi.JSON(strings.NewReader(receiverABI))
	if err != nil {
		return nil, fmt.Errorf("parse receiver abi: %w", err)
	}
	return &BundleBuilder{
		manager:     manager,
		tracker:     tracker,
		tokens:      tokens,
		receiver:    receiver,
		slippageBps: slippageBps,
		abi:         parsed,
	}, nil
}

// Build assembles the bundle for o using freshly re-priced hops. loan is
// drawn in the base token; minProfit guards the sweep so a bundle that
// cannot clear the floor reverts atomically instead of landing at a loss.
func (b *BundleBuilder) Build(o *types.Opportunity, hops []types.Hop, loan, minProfit *big.Int, target, maxBlock uint64) (*types.ExecutionBundle, error) {
	if len(hops) == 0 {
		return nil, errors.New("bundle requires at least one hop")
	}
	if target == 0 || maxBlock < target {
		return nil, fmt.Errorf("invalid bundle window [%d, %d]", target, maxBlock)
	}
	base := hops[0].TokenIn
	if int(base) >= len(b.tokens) {
		return nil, fmt.Errorf("hop token index %d out of range", base)
	}
	baseAddr := b.tokens[base].Address

	provider, err := b.manager.Select(baseAddr, loan)
	if err != nil {
		return nil, err
	}

	plan := make([]abiHop, len(hops))
	for i, h := range hops {
		if int(h.TokenIn) >= len(b.tokens) || int(h.TokenOut) >= len(b.tokens) {
			return nil, fmt.Errorf("hop %d token index out of range", i)
		}
		plan[i] = abiHop{
			Pool:         h.PoolAddress,
			TokenIn:      b.tokens[h.TokenIn].Address,
			TokenOut:     b.tokens[h.TokenOut].Address,
			AmountIn:     h.AmountIn,
			MinAmountOut: fmath.SubBps(h.AmountOut, b.slippageBps),
		}
	}
	params, err := b.abi.Pack("executeArbitrage", plan)
	if err != nil {
		return nil, fmt.Errorf("pack hop plan: %w", err)
	}
	draw, err := provider.DrawCall(b.receiver, baseAddr, loan, params)
	if err != nil {
		return nil, err
	}
	sweep, err := b.abi.Pack("sweepProfit", baseAddr, minProfit)
	if err != nil {
		return nil, fmt.Errorf("pack sweep: %w", err)
	}

	baseFee, tip := b.tracker.Fees()
	maxFee := new(big.Int).Lsh(baseFee, 1)
	maxFee.Add(maxFee, tip)
	return &types.ExecutionBundle{
		OpportunityID:        o.ID,
		Calls:                []types.Call{draw, {To: b.receiver, Data: hexutil.Bytes(sweep)}},
		TargetBlock:          target,
		MaxBlock:             maxBlock,
		MaxFeePerGas:         (*hexutil.Big)(maxFee),
		MaxPriorityFeePerGas: (*hexutil.Big)(tip),
		GasLimit:             b.tracker.EstimateBundleGas(len(hops)) + sweepGas,
	}, nil
}
