// Package orchestrator turns agent-approved payment intents into signed
// settlement instructions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

var (
	ErrNoWallet    = errors.New("no signing wallet configured")
	ErrNoSubmitter = errors.New("no settlement submitter configured")
)

// Wallet is the signing identity used for settlement instructions
type Wallet interface {
	Address(ctx context.Context) (common.Address, error)
	Nonce(ctx context.Context) (uint64, error)
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}

// Instruction is a signed settlement ready to be broadcast
type Instruction struct {
	IntentID   string
	IntentHash common.Hash
	Recipient  common.Address
	Amount     *big.Int
	Nonce      uint64
	Signer     common.Address
	Digest     []byte
	Signature  []byte // [R || S || V]
}

// Submitter delivers an instruction and returns its transaction identifier
type Submitter interface {
	Submit(ctx context.Context, inst *Instruction) (string, error)
}

// IntentNonceSource reports the nonce the settlement contract expects for
// the next settlement of an intent. A Submitter that implements it replaces
// the wallet nonce.
type IntentNonceSource interface {
	IntentNonce(ctx context.Context, intentHash common.Hash) (uint64, error)
}

// Config binds the orchestrator to one settlement contract
type Config struct {
	ChainID  int64
	Contract common.Address
}

type identityState struct {
	mu   sync.Mutex
	next uint64 // first nonce not yet consumed by a submitted instruction
	// per-intent floor when nonces come from the contract
	intents map[common.Hash]uint64
}

// Orchestrator executes intents. Nonce acquisition, signing and submission
// are serialized per signing identity.
type Orchestrator struct {
	wallet    Wallet
	submitter Submitter
	cfg       Config
	logger    *slog.Logger

	mu         sync.Mutex
	identities map[common.Address]*identityState
}

func New(wallet Wallet, submitter Submitter, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		wallet:     wallet,
		submitter:  submitter,
		cfg:        cfg,
		logger:     logger,
		identities: make(map[common.Address]*identityState),
	}
}

// Execute settles intent when decision is exactly EXECUTE. Any other decision
// returns ("", false, nil) without touching the wallet.
func (o *Orchestrator) Execute(ctx context.Context, intent *types.PaymentIntent, decision types.AgentDecision) (string, bool, error) {
	if decision.Decision != types.DecisionExecute {
		o.logger.Info("intent execution skipped",
			"intentId", intent.IntentID,
			"decision", decision.Decision,
			"reason", decision.Reason)
		return "", false, nil
	}

	txHash, err := o.execute(ctx, intent)
	if err != nil {
		o.logger.Error("intent execution failed", "intentId", intent.IntentID, "error", err)
		return "", false, err
	}

	o.logger.Info("intent executed", "intentId", intent.IntentID, "txHash", txHash)
	return txHash, true, nil
}

func (o *Orchestrator) execute(ctx context.Context, intent *types.PaymentIntent) (string, error) {
	if o.submitter == nil {
		return "", ErrNoSubmitter
	}

	signer, state, err := o.resolveIdentity(ctx)
	if err != nil {
		return "", err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	inst, err := o.sign(ctx, intent, signer, state)
	if err != nil {
		return "", err
	}

	txHash, err := o.submitter.Submit(ctx, inst)
	if err != nil {
		// nonce is not consumed
		return "", fmt.Errorf("failed to submit settlement: %w", err)
	}

	state.next = inst.Nonce + 1
	state.intents[inst.IntentHash] = inst.Nonce + 1
	return txHash, nil
}

// Sign builds and signs the instruction Execute would submit next for
// intent, without submitting it or consuming the nonce.
func (o *Orchestrator) Sign(ctx context.Context, intent *types.PaymentIntent) (*Instruction, error) {
	signer, state, err := o.resolveIdentity(ctx)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	return o.sign(ctx, intent, signer, state)
}

func (o *Orchestrator) resolveIdentity(ctx context.Context) (common.Address, *identityState, error) {
	if o.wallet == nil {
		return common.Address{}, nil, ErrNoWallet
	}

	signer, err := o.wallet.Address(ctx)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to resolve signer: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.identities[signer]
	if !ok {
		state = &identityState{intents: make(map[common.Hash]uint64)}
		o.identities[signer] = state
	}
	return signer, state, nil
}

// sign must be called with state.mu held
func (o *Orchestrator) sign(ctx context.Context, intent *types.PaymentIntent, signer common.Address, state *identityState) (*Instruction, error) {
	msg, err := o.message(intent)
	if err != nil {
		return nil, err
	}

	intentHash := IntentHash(intent.IntentID)
	nonce, err := o.nonce(ctx, intentHash, state)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve nonce: %w", err)
	}
	msg.Nonce = nonce

	digest, err := msg.Digest(o.cfg.Contract)
	if err != nil {
		return nil, err
	}

	signature, err := o.wallet.SignHash(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign settlement: %w", err)
	}

	return &Instruction{
		IntentID:   intent.IntentID,
		IntentHash: intentHash,
		Recipient:  msg.Recipient,
		Amount:     msg.Amount,
		Nonce:      nonce,
		Signer:     signer,
		Digest:     digest,
		Signature:  signature,
	}, nil
}

// nonce must be called with state.mu held. Nonces never go below the last
// submitted value, which covers transactions the chain has not mined yet.
func (o *Orchestrator) nonce(ctx context.Context, intentHash common.Hash, state *identityState) (uint64, error) {
	if src, ok := o.submitter.(IntentNonceSource); ok {
		n, err := src.IntentNonce(ctx, intentHash)
		if err != nil {
			return 0, err
		}
		return max(n, state.intents[intentHash]), nil
	}

	n, err := o.wallet.Nonce(ctx)
	if err != nil {
		return 0, err
	}
	return max(n, state.next), nil
}

func (o *Orchestrator) message(intent *types.PaymentIntent) (Message, error) {
	if intent.IntentID == "" {
		return Message{}, errors.New("intent id is empty")
	}
	if !common.IsHexAddress(intent.Recipient) {
		return Message{}, fmt.Errorf("invalid recipient address: %q", intent.Recipient)
	}
	if err := utils.ValidateIntegerAmount(intent.Amount); err != nil {
		return Message{}, fmt.Errorf("invalid intent amount: %w", err)
	}
	amount, ok := new(big.Int).SetString(intent.Amount, 10)
	if !ok {
		return Message{}, fmt.Errorf("invalid intent amount: %q", intent.Amount)
	}

	return Message{
		IntentID:  intent.IntentID,
		Amount:    amount,
		Recipient: common.HexToAddress(intent.Recipient),
		ChainID:   o.cfg.ChainID,
	}, nil
}
