package ingest

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Message types carried by the feed envelope.
const (
	MsgPoolState   = "pool_state"
	MsgPendingSwap = "pending_swap"
	MsgHead        = "head"
)

// Envelope frames every feed message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HeadEvent announces a new chain head with its fee levels.
type HeadEvent struct {
	Block   uint64       `json:"block"`
	BaseFee *hexutil.Big `json:"base_fee,omitempty"`
	Tip     *hexutil.Big `json:"priority_fee,omitempty"`
}

// PendingSwap carries a mempool transaction targeting a known pool. The
// adapter projects its price impact into a provisional pool update.
type PendingSwap struct {
	PoolID   string        `json:"pool_id"`
	Block    uint64        `json:"block"`
	Seq      uint64        `json:"seq"`
	Calldata hexutil.Bytes `json:"calldata"`
}

func decodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

const routerABI = `[{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}]`

// SwapIntent is the economically relevant slice of a decoded pending swap.
type SwapIntent struct {
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
}

// SwapDecoder unpacks router calldata from pending transactions.
type SwapDecoder struct {
	router abi.ABI
}

func NewSwapDecoder() (*SwapDecoder, error) {
	router, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return &SwapDecoder{router: router}, nil
}

// Decode extracts the swap intent from calldata. Selectors outside the
// router surface fail; the caller drops and counts them.
func (d *SwapDecoder) Decode(data []byte) (*SwapIntent, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := d.router.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown selector: %w", err)
	}
	params := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(params, data[4:]); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}
	path, ok := params["path"].([]common.Address)
	if !ok || len(path) < 2 {
		return nil, fmt.Errorf("swap path missing")
	}
	amountIn, ok := params["amountIn"].(*big.Int)
	if !ok || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("amountIn missing")
	}
	return &SwapIntent{
		TokenIn:  path[0],
		TokenOut: path[len(path)-1],
		AmountIn: amountIn,
	}, nil
}
