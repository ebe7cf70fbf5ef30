package orchestrator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// EIP-712 domain of the settlement contract
const (
	DomainName    = "X402Settlement"
	DomainVersion = "1"
)

// Message is the canonical intent message. The settlement contract
// rebuilds the same digest from identical inputs.
type Message struct {
	IntentID  string
	Amount    *big.Int // smallest unit
	Recipient common.Address
	ChainID   int64
	Nonce     uint64
}

// IntentHash is keccak256 of the UTF-8 intent id
func IntentHash(intentID string) common.Hash {
	return crypto.Keccak256Hash([]byte(intentID))
}

// TypedData returns the EIP-712 representation of m for the contract at verifyingContract
func (m Message) TypedData(verifyingContract common.Address) apitypes.TypedData {
	amount := "0"
	if m.Amount != nil {
		amount = m.Amount.String()
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Settlement": []apitypes.Type{
				{Name: "intentHash", Type: "bytes32"},
				{Name: "recipient", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Settlement",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(m.ChainID),
			VerifyingContract: verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"intentHash": IntentHash(m.IntentID).Hex(),
			"recipient":  m.Recipient.Hex(),
			"amount":     amount,
			"nonce":      new(big.Int).SetUint64(m.Nonce).String(),
		},
	}
}

// Digest returns the 32-byte hash that is signed for m
func (m Message) Digest(verifyingContract common.Address) ([]byte, error) {
	digest, err := utils.HashTypedData(m.TypedData(verifyingContract))
	if err != nil {
		return nil, fmt.Errorf("failed to hash settlement message: %w", err)
	}
	return digest, nil
}
