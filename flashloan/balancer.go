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

const balancerVaultABI = `[
	{
		"inputs": [
			{"internalType": "contract IFlashLoanRecipient", "name": "recipient", "type": "address"},
			{"internalType": "contract IERC20[]", "name": "tokens", "type": "address[]"},
			{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"},
			{"internalType": "bytes", "name": "userData", "type": "bytes"}
		],
		"name": "flashLoan",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Balancer draws against the vault. The vault charges no premium, which
// makes it the preferred provider whenever it has capacity.
type Balancer struct {
	vault common.Address
	caps  map[common.Address]*big.Int
	abi   abi.ABI
}

// NewBalancer builds the provider. A zero vault address selects the
// canonical mainnet deployment.
func NewBalancer(vault common.Address, caps map[common.Address]*big.Int) (*Balancer, error) {
	parsed, err := abi.JSON(strings.NewReader(balancerVaultABI))
	if err != nil {
		return nil, fmt.Errorf("parse balancer abi: %w", err)
	}
	if vault == (common.Address{}) {
		vault = common.HexToAddress(BalancerVaultAddress)
	}
	return &Balancer{vault: vault, caps: caps, abi: parsed}, nil
}

func (b *Balancer) Name() string { return "balancer" }

func (b *Balancer) FeeBps() uint32 { return 0 }

func (b *Balancer) Fee(*big.Int) *big.Int { return new(big.Int) }

func (b *Balancer) MaxLoan(token common.Address) *big.Int {
	if b.caps == nil {
		return nil
	}
	return b.caps[token]
}

func (b *Balancer) DrawCall(receiver, token common.Address, amount *big.Int, params []byte) (types.Call, error) {
	data, err := b.abi.Pack("flashLoan", receiver, []common.Address{token}, []*big.Int{amount}, params)
	if err != nil {
		return types.Call{}, fmt.Errorf("pack balancer flashLoan: %w", err)
	}
	return types.Call{To: b.vault, Data: hexutil.Bytes(data)}, nil
}
