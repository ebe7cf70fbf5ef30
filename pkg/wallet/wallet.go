// Package wallet implements a local secp256k1 signing identity.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource resolves the replay-protection counter of an account.
// *ethclient.Client satisfies it.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// KeyWallet signs with an in-memory private key
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	nonces  NonceSource
}

// NewKeyWallet parses a hex private key (with or without 0x). A nil nonce
// source reports nonce 0 and leaves sequencing to the caller.
func NewKeyWallet(privateKeyHex string, nonces NonceSource) (*KeyWallet, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return FromKey(key, nonces), nil
}

// FromKey wraps an existing private key
func FromKey(key *ecdsa.PrivateKey, nonces NonceSource) *KeyWallet {
	return &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		nonces:  nonces,
	}
}

// Address returns the signing address
func (w *KeyWallet) Address(ctx context.Context) (common.Address, error) {
	return w.address, nil
}

// Nonce returns the account's current nonce
func (w *KeyWallet) Nonce(ctx context.Context) (uint64, error) {
	if w.nonces == nil {
		return 0, nil
	}
	n, err := w.nonces.PendingNonceAt(ctx, w.address)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce for %s: %w", w.address.Hex(), err)
	}
	return n, nil
}

// SignHash signs a 32-byte digest and returns [R || S || V] with V in {27, 28}
func (w *KeyWallet) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}

	// Convert v from recovery id to ethereum format (27/28)
	signature[64] += 27
	return signature, nil
}

// PrivateKey exposes the key for transaction signing
func (w *KeyWallet) PrivateKey() *ecdsa.PrivateKey {
	return w.key
}

// RecoverAddress returns the signer of hash given a [R || S || V] signature
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
