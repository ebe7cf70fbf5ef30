// Package settlement delivers signed settlement instructions to the
// settlement contract.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/orchestrator"
)

// ContractABI is the settlement contract surface used by the submitter
const ContractABI = `[
  {"inputs":[
    {"internalType":"bytes32","name":"intentHash","type":"bytes32"},
    {"internalType":"address","name":"recipient","type":"address"},
    {"internalType":"uint256","name":"amount","type":"uint256"},
    {"internalType":"uint256","name":"nonce","type":"uint256"},
    {"internalType":"bytes","name":"signature","type":"bytes"}
  ],"name":"executeSettlement","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"bytes32","name":"intentHash","type":"bytes32"}
  ],"name":"getIntentNonce","outputs":[
    {"internalType":"uint256","name":"","type":"uint256"}
  ],"stateMutability":"view","type":"function"}
]`

const (
	executeMethod = "executeSettlement"
	nonceMethod   = "getIntentNonce"
)

// Config describes the settlement contract deployment
type Config struct {
	ChainID   int64
	Contract  common.Address
	Endpoints []string
	// Key pays gas for the broadcast transaction
	Key *ecdsa.PrivateKey
}

// Option configures a ContractSubmitter
type Option func(*ContractSubmitter)

// WithDialer replaces the ethclient dialer
func WithDialer(dial Dialer) Option {
	return func(s *ContractSubmitter) {
		s.pool.dial = dial
	}
}

// WithTimeout bounds each per-endpoint attempt
func WithTimeout(d time.Duration) Option {
	return func(s *ContractSubmitter) {
		s.pool.timeout = d
	}
}

// ContractSubmitter broadcasts executeSettlement transactions
type ContractSubmitter struct {
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	abi      abi.ABI
	pool     *endpointPool
	logger   *slog.Logger
}

var (
	_ orchestrator.Submitter         = (*ContractSubmitter)(nil)
	_ orchestrator.IntentNonceSource = (*ContractSubmitter)(nil)
)

func NewContractSubmitter(cfg Config, logger *slog.Logger, opts ...Option) (*ContractSubmitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Key == nil {
		return nil, errors.New("settlement: transaction key is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("settlement: contract address is required")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	s := &ContractSubmitter{
		contract: cfg.Contract,
		chainID:  big.NewInt(cfg.ChainID),
		key:      cfg.Key,
		abi:      parsed,
		logger:   logger,
		pool: &endpointPool{
			chainID:   cfg.ChainID,
			endpoints: cfg.Endpoints,
			dial:      DialEthclient,
			timeout:   constants.SubmitTxTimeout,
			logger:    logger,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit sends executeSettlement(intentHash, recipient, amount, nonce, signature)
// and returns the transaction hash
func (s *ContractSubmitter) Submit(ctx context.Context, inst *orchestrator.Instruction) (string, error) {
	if inst.Amount == nil {
		return "", errors.New("settlement: instruction amount is nil")
	}

	var txHash string
	err := s.pool.do(ctx, func(ctx context.Context, backend Backend) error {
		opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
		if err != nil {
			return fmt.Errorf("failed to create transactor: %w", err)
		}
		opts.Context = ctx

		contract := bind.NewBoundContract(s.contract, s.abi, backend, backend, backend)
		tx, err := contract.Transact(opts, executeMethod,
			[32]byte(inst.IntentHash),
			inst.Recipient,
			inst.Amount,
			new(big.Int).SetUint64(inst.Nonce),
			inst.Signature,
		)
		if err != nil {
			return err
		}
		txHash = tx.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("settlement broadcast", "intentId", inst.IntentID, "txHash", txHash, "nonce", inst.Nonce)
	return txHash, nil
}

// IntentNonce reads the nonce the contract expects for the next settlement
// of intentHash
func (s *ContractSubmitter) IntentNonce(ctx context.Context, intentHash common.Hash) (uint64, error) {
	var nonce uint64
	err := s.pool.do(ctx, func(ctx context.Context, backend Backend) error {
		contract := bind.NewBoundContract(s.contract, s.abi, backend, backend, backend)

		var out []interface{}
		if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, nonceMethod, [32]byte(intentHash)); err != nil {
			return err
		}
		if len(out) != 1 {
			return fmt.Errorf("%s returned %d values", nonceMethod, len(out))
		}
		n, ok := out[0].(*big.Int)
		if !ok || !n.IsUint64() {
			return fmt.Errorf("%s returned unexpected value %v", nonceMethod, out[0])
		}
		nonce = n.Uint64()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// OfflineSubmitter derives a deterministic identifier from the signed
// instruction without broadcasting it
type OfflineSubmitter struct {
	logger *slog.Logger
}

var _ orchestrator.Submitter = (*OfflineSubmitter)(nil)

func NewOfflineSubmitter(logger *slog.Logger) *OfflineSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineSubmitter{logger: logger}
}

// Submit returns keccak256(digest || signature)
func (s *OfflineSubmitter) Submit(ctx context.Context, inst *orchestrator.Instruction) (string, error) {
	if len(inst.Digest) == 0 || len(inst.Signature) == 0 {
		return "", errors.New("settlement: instruction is not signed")
	}
	id := crypto.Keccak256Hash(inst.Digest, inst.Signature).Hex()
	s.logger.Debug("settlement recorded offline", "intentId", inst.IntentID, "txHash", id)
	return id, nil
}
