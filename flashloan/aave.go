package flashloan

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/michaelpento.lv/arbengine/types"
)

// DefaultAaveFeeBps is the pool's flashloan premium.
const DefaultAaveFeeBps = 9

const aavePoolABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "receiverAddress", "type": "address"},
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes", "name": "params", "type": "bytes"},
			{"internalType": "uint16", "name": "referralCode", "type": "uint16"}
		],
		"name": "flashLoanSimple",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Aave draws against the Aave pool. The premium is fixed per deployment.
type Aave struct {
	pool   common.Address
	feeBps uint32
	caps   map[common.Address]*big.Int
	abi    abi.ABI
}

// NewAave builds the provider. A zero pool address selects the canonical
// mainnet deployment; zero feeBps selects the protocol default. caps bounds
// single draws per token and may be nil.
func NewAave(pool common.Address, feeBps uint32, caps map[common.Address]*big.Int) (*Aave, error) {
	parsed, err := abi.JSON(strings.NewReader(aavePoolABI))
	if err != nil {
		return nil, fmt.Errorf("parse aave abi: %w", err)
	}
	if pool == (common.Address{}) {
		pool = common.HexToAddress(AavePoolAddress)
	}
	if feeBps == 0 {
		feeBps = DefaultAaveFeeBps
	}
	return &Aave{pool: pool, feeBps: feeBps, caps: caps, abi: parsed}, nil
}

func (a *Aave) Name() string { return "aave" }

func (a *Aave) FeeBps() uint32 { return a.feeBps }

func (a *Aave) Fee(amount *big.Int) *big.Int {
	return feeOn(amount, a.feeBps)
}

func (a *Aave) MaxLoan(token common.Address) *big.Int {
	if a.caps == nil {
		return nil
	}
	return a.caps[token]
}

func (a *Aave) DrawCall(receiver, token common.Address, amount *big.Int, params []byte) (types.Call, error) {
	data, err := a.abi.Pack("flashLoanSimple", receiver, token, amount, params, uint16(0))
	if err != nil {
		return types.Call{}, fmt.Errorf("pack aave flashLoanSimple: %w", err)
	}
	return types.Call{To: a.pool, Data: hexutil.Bytes(data)}, nil
}
