// Package account loads the wallet a latency run signs with.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account holds the signing key and its address.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// A 0x prefix and surrounding whitespace are accepted.
func NewAccountFromHex(hexKey string) (*Account, error) {
	hexKey = strings.TrimSpace(hexKey)
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewAccount(privateKey), nil
}

// NonceSource is the part of the RPC client that reports account nonces.
type NonceSource interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
}

// StartingNonce returns the nonce of the account's next transaction,
// counting transactions still in the mempool.
func (a *Account) StartingNonce(ctx context.Context, src NonceSource) (uint64, error) {
	nonce, err := src.GetNonce(ctx, a.Address.Hex())
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce for %s: %w", a.Address.Hex(), err)
	}
	return nonce, nil
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
}
