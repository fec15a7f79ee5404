package executor

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-boost-utils/bls"

	"github.com/michaelpento.lv/arbengine/types"
)

// BundleSigner signs bundle hashes with the searcher's BLS identity key,
// proving to builders that every bundle under this key came from the same
// searcher. The key never leaves the signer.
type BundleSigner struct {
	secret *bls.SecretKey
	public hexutil.Bytes
}

// NewBundleSigner parses the hex-encoded BLS secret key resolved from the
// environment.
func NewBundleSigner(hexKey string) (*BundleSigner, error) {
	if hexKey == "" {
		return nil, errors.New("bundle signing key is empty")
	}
	secret, err := bls.SecretKeyFromBytes(common.FromHex(hexKey))
	if err != nil {
		return nil, fmt.Errorf("parse bundle signing key: %w", err)
	}
	public, err := bls.PublicKeyFromSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("derive bundle public key: %w", err)
	}
	return &BundleSigner{secret: secret, public: bls.PublicKeyToBytes(public)}, nil
}

// Sign produces the compressed BLS signature over the bundle hash.
func (s *BundleSigner) Sign(b *types.ExecutionBundle) hexutil.Bytes {
	return bls.SignatureToBytes(bls.Sign(s.secret, b.Hash().Bytes()))
}

// PublicKey returns the compressed signing public key for registration
// with relays.
func (s *BundleSigner) PublicKey() hexutil.Bytes {
	pub := make(hexutil.Bytes, len(s.public))
	copy(pub, s.public)
	return pub
}

// ParseAuthKey parses the hex-encoded ECDSA key that signs relay request
// headers.
func ParseAuthKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, errors.New("relay auth key is empty")
	}
	key, err := crypto.HexToECDSA(stripHexPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("parse relay auth key: %w", err)
	}
	return key, nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
