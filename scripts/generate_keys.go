// Command generate_keys prints fresh relay auth and bundle signing keys
// in the environment variable form the engine loads at startup.
package main

import (
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-boost-utils/bls"
)

func main() {
	authKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal("generate relay auth key:", err)
	}
	fmt.Printf("RELAY_AUTH_KEY=0x%x\n", crypto.FromECDSA(authKey))
	fmt.Printf("# relay auth address: %s\n", crypto.PubkeyToAddress(authKey.PublicKey).Hex())

	blsKey, err := bls.GenerateRandomSecretKey()
	if err != nil {
		log.Fatal("generate bundle signing key:", err)
	}
	pub, err := bls.PublicKeyFromSecretKey(blsKey)
	if err != nil {
		log.Fatal("derive bundle public key:", err)
	}
	fmt.Printf("BUNDLE_BLS_KEY=0x%x\n", bls.SecretKeyToBytes(blsKey))
	fmt.Printf("# bundle public key: 0x%x\n", bls.PublicKeyToBytes(pub))
}
