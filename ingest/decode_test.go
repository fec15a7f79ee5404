package ingest

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"head","data":{"block":5}}`))
	require.NoError(t, err)
	assert.Equal(t, MsgHead, env.Type)
	assert.JSONEq(t, `{"block":5}`, string(env.Data))

	_, err = decodeEnvelope([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`{not json`))
	assert.Error(t, err)
}

func packSwap(t *testing.T, amountIn *big.Int, path []common.Address) []byte {
	t.Helper()
	router, err := abi.JSON(strings.NewReader(routerABI))
	require.NoError(t, err)
	data, err := router.Pack("swapExactTokensForTokens",
		amountIn,
		big.NewInt(0),
		path,
		common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		big.NewInt(1_900_000_000))
	require.NoError(t, err)
	return data
}

func TestSwapDecoder(t *testing.T) {
	dec, err := NewSwapDecoder()
	require.NoError(t, err)

	in := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	mid := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	out := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	amount := big.NewInt(1_500_000)

	intent, err := dec.Decode(packSwap(t, amount, []common.Address{in, mid, out}))
	require.NoError(t, err)
	assert.Equal(t, in, intent.TokenIn)
	assert.Equal(t, out, intent.TokenOut)
	assert.Equal(t, amount, intent.AmountIn)
}

func TestSwapDecoderRejects(t *testing.T) {
	dec, err := NewSwapDecoder()
	require.NoError(t, err)

	_, err = dec.Decode([]byte{0x01, 0x02})
	assert.ErrorContains(t, err, "too short")

	_, err = dec.Decode([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	assert.ErrorContains(t, err, "unknown selector")

	in := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	out := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	_, err = dec.Decode(packSwap(t, big.NewInt(0), []common.Address{in, out}))
	assert.ErrorContains(t, err, "amountIn")
}
