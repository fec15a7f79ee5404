package executor

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBundleSigner(t *testing.T) {
	_, err := NewBundleSigner("")
	assert.ErrorContains(t, err, "empty")

	_, err = NewBundleSigner("0xnothex")
	assert.Error(t, err)

	// Wrong length for a scalar.
	_, err = NewBundleSigner("0x0102")
	assert.Error(t, err)

	s, err := NewBundleSigner(testBLSKey)
	require.NoError(t, err)
	assert.Len(t, []byte(s.PublicKey()), 48)
}

func TestBundleSignerDeterministic(t *testing.T) {
	a, err := NewBundleSigner(testBLSKey)
	require.NoError(t, err)
	b, err := NewBundleSigner(testBLSKey)
	require.NoError(t, err)

	bundle := testBundle()
	sigA := a.Sign(bundle)
	sigB := b.Sign(bundle)
	assert.Len(t, []byte(sigA), 96)
	assert.Equal(t, sigA, sigB)

	// A different bundle signs differently.
	other := testBundle()
	other.TargetBlock = 105
	assert.NotEqual(t, sigA, a.Sign(other))

	// The public key is a copy; mutating it does not touch the signer.
	pub := a.PublicKey()
	pub[0] ^= 0xff
	assert.Equal(t, b.PublicKey(), a.PublicKey())
}

func TestParseAuthKey(t *testing.T) {
	_, err := ParseAuthKey("")
	assert.ErrorContains(t, err, "empty")

	_, err = ParseAuthKey("zzzz")
	assert.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	parsed, err := ParseAuthKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	// The 0x prefix is accepted too.
	parsed, err = ParseAuthKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))
}
