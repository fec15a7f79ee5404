package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBundle() *ExecutionBundle {
	return &ExecutionBundle{
		OpportunityID: "opp-7-0",
		Calls: []Call{
			{
				To:   common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"),
				Data: hexutil.Bytes{0xab, 0x9c, 0x4b, 0x5d},
			},
			{
				To:    common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
				Value: (*hexutil.Big)(big.NewInt(0)),
				Gas:   180_000,
				Data:  hexutil.Bytes{0x38, 0xed, 0x17, 0x39},
			},
		},
		TargetBlock:          19_000_001,
		MaxBlock:             19_000_003,
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(40_000_000_000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(2_000_000_000)),
		GasLimit:             450_000,
	}
}

func TestBundleJSONRoundTrip(t *testing.T) {
	b := sampleBundle()

	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var back ExecutionBundle
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, b.OpportunityID, back.OpportunityID)
	assert.Equal(t, b.TargetBlock, back.TargetBlock)
	assert.Equal(t, b.MaxBlock, back.MaxBlock)
	assert.Equal(t, b.GasLimit, back.GasLimit)
	require.Len(t, back.Calls, 2)
	assert.Equal(t, b.Calls[0].To, back.Calls[0].To)
	assert.Equal(t, b.Calls[1].Data, back.Calls[1].Data)
	assert.Equal(t, 0, back.MaxFeePerGas.ToInt().Cmp(b.MaxFeePerGas.ToInt()))

	// Identity survives the round trip.
	assert.Equal(t, b.Hash(), back.Hash())
}

func TestBundleHashChangesWithContent(t *testing.T) {
	a := sampleBundle()
	b := sampleBundle()
	assert.Equal(t, a.Hash(), b.Hash())

	b.TargetBlock++
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := sampleBundle()
	c.Calls[0].Data = hexutil.Bytes{0xde, 0xad}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestBundleWindow(t *testing.T) {
	b := sampleBundle()
	assert.True(t, b.WindowOpen(19_000_000))
	assert.True(t, b.WindowOpen(19_000_002))
	assert.False(t, b.WindowOpen(19_000_003))
	assert.False(t, b.WindowOpen(19_000_004))
}
