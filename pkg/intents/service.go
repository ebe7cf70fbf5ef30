package intents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sigweihq/x402treasury/pkg/agent"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// Executor settles an approved intent. *orchestrator.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, intent *types.PaymentIntent, decision types.AgentDecision) (string, bool, error)
}

// CreateRequest describes a new intent. Amount is in whole units of
// Currency ("1.5" USDC) and is stored in the smallest unit.
type CreateRequest struct {
	Amount    string          `json:"amount"`
	Currency  string          `json:"currency"`
	Recipient string          `json:"recipient"`
	Condition types.Condition `json:"condition"`
}

// ExecutionResult reports one evaluate -> execute pass
type ExecutionResult struct {
	Intent   *types.PaymentIntent `json:"intent"`
	Decision types.AgentDecision  `json:"decision"`
	Executed bool                 `json:"executed"`
	TxHash   string               `json:"txHash,omitempty"`
}

// Service drives intents through their lifecycle
type Service struct {
	store     Store
	evaluator agent.Evaluator
	executor  Executor
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewService(store Store, evaluator agent.Evaluator, executor Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		evaluator: evaluator,
		executor:  executor,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
}

// Create validates req and stores a new pending intent
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.PaymentIntent, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidIntent)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be a positive number", ErrInvalidIntent)
	}
	smallest, err := utils.ToSmallestUnit(req.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, fmt.Errorf("%w: invalid recipient address %q", ErrInvalidIntent, req.Recipient)
	}
	cond, err := validateCondition(req.Condition)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	intent := &types.PaymentIntent{
		IntentID:  uuid.NewString(),
		Amount:    smallest,
		Currency:  currency,
		Recipient: common.HexToAddress(req.Recipient).Hex(),
		Condition: cond,
		Status:    types.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.Info("intent created", "intentId", intent.IntentID, "amount", intent.Amount, "currency", currency)
	return intent, nil
}

func validateCondition(cond types.Condition) (types.Condition, error) {
	switch cond.Type {
	case "", types.ConditionManual:
		return types.Condition{Type: types.ConditionManual}, nil
	case types.ConditionPriceBelow:
		threshold, err := decimal.NewFromString(cond.Threshold)
		if err != nil || !threshold.IsPositive() {
			return cond, fmt.Errorf("%w: price_below requires a positive threshold", ErrInvalidIntent)
		}
		return types.Condition{Type: cond.Type, Threshold: threshold.String()}, nil
	case types.ConditionTimeBased:
		if cond.ExecuteAfter == nil {
			return cond, fmt.Errorf("%w: time_based requires executeAfter", ErrInvalidIntent)
		}
		t := cond.ExecuteAfter.UTC()
		return types.Condition{Type: cond.Type, ExecuteAfter: &t}, nil
	default:
		return cond, fmt.Errorf("%w: unknown condition type %q", ErrInvalidIntent, cond.Type)
	}
}

func (s *Service) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*types.PaymentIntent, error) {
	return s.store.List(ctx)
}

// Fund records the deposit transaction and moves a pending intent to funded
func (s *Service) Fund(ctx context.Context, id, depositTxHash string) (*types.PaymentIntent, error) {
	if b, err := hexutil.Decode(depositTxHash); err != nil || len(b) != common.HashLength {
		return nil, fmt.Errorf("%w: invalid deposit transaction hash", ErrInvalidIntent)
	}

	intent, err := s.transition(ctx, id, types.IntentFunded, func(intent *types.PaymentIntent) {
		intent.DepositTxHash = depositTxHash
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("intent funded", "intentId", id, "txHash", depositTxHash)
	return intent, nil
}

// Cancel marks a pending or funded intent as failed. An intent whose
// execution is in flight cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*types.PaymentIntent, error) {
	if !s.acquire(id) {
		return nil, ErrInProgress
	}
	defer s.release(id)

	intent, err := s.transition(ctx, id, types.IntentFailed, nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info("intent cancelled", "intentId", id)
	return intent, nil
}

// Execute asks the agent for a decision and, on EXECUTE, settles the intent.
// A SKIP decision or an execution error leaves the intent's status unchanged
// so the whole pass can be retried.
func (s *Service) Execute(ctx context.Context, id string) (*ExecutionResult, error) {
	if !s.acquire(id) {
		return nil, ErrInProgress
	}
	defer s.release(id)

	intent, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status == types.IntentExecuted {
		return nil, ErrImmutable
	}
	if !intent.Status.CanTransition(types.IntentExecuted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, intent.Status, types.IntentExecuted)
	}

	decision, err := s.evaluator.Evaluate(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate intent: %w", err)
	}

	txHash, executed, err := s.executor.Execute(ctx, intent, decision)
	if err != nil {
		return nil, err
	}
	if !executed {
		return &ExecutionResult{Intent: intent, Decision: decision}, nil
	}

	updated, err := s.transition(ctx, id, types.IntentExecuted, func(intent *types.PaymentIntent) {
		intent.ExecutionTxHash = txHash
	})
	if err != nil {
		// funds moved; the record must be reconciled from txHash
		s.logger.Error("failed to record intent execution", "intentId", id, "txHash", txHash, "error", err)
		return nil, fmt.Errorf("intent executed in %s but not recorded: %w", txHash, err)
	}

	return &ExecutionResult{Intent: updated, Decision: decision, Executed: true, TxHash: txHash}, nil
}

func (s *Service) transition(ctx context.Context, id string, next types.IntentStatus, mutate func(*types.PaymentIntent)) (*types.PaymentIntent, error) {
	return s.store.Update(ctx, id, func(intent *types.PaymentIntent) error {
		if intent.Status == types.IntentExecuted {
			return ErrImmutable
		}
		if !intent.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, intent.Status, next)
		}
		intent.Status = next
		intent.UpdatedAt = s.now().UTC()
		if mutate != nil {
			mutate(intent)
		}
		return nil
	})
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// IsClientError reports whether err was caused by the caller's input or the
// intent's current state rather than an infrastructure failure
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidIntent) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrImmutable) ||
		errors.Is(err, ErrInProgress) ||
		errors.Is(err, ErrAlreadyExists)
}
