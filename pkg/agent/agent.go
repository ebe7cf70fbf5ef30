// Package agent provides the decision collaborator that approves or skips
// the execution of payment intents.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// Evaluator decides whether an intent should be executed now
type Evaluator interface {
	Evaluate(ctx context.Context, intent *types.PaymentIntent) (types.AgentDecision, error)
}

// Func adapts an ordinary function to Evaluator
type Func func(ctx context.Context, intent *types.PaymentIntent) (types.AgentDecision, error)

func (f Func) Evaluate(ctx context.Context, intent *types.PaymentIntent) (types.AgentDecision, error) {
	return f(ctx, intent)
}

// HTTPEvaluator delegates decisions to an external agent service
type HTTPEvaluator struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Evaluator = (*HTTPEvaluator)(nil)

type evaluateRequest struct {
	Intent *types.PaymentIntent `json:"intent"`
}

// NewHTTPEvaluator creates a client for the agent service at baseURL.
// A zero timeout uses the facilitator default.
func NewHTTPEvaluator(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEvaluator{
		url:        strings.TrimSuffix(baseURL, "/"),
		httpClient: utils.CreateHTTPClientWithTimeouts(timeout),
		logger:     logger,
	}
}

// Evaluate posts the intent to {url}/evaluate
func (e *HTTPEvaluator) Evaluate(ctx context.Context, intent *types.PaymentIntent) (types.AgentDecision, error) {
	decision, err := utils.MakeJSONRequest[types.AgentDecision](
		ctx,
		e.httpClient,
		http.MethodPost,
		e.url+"/evaluate",
		evaluateRequest{Intent: intent},
		nil,
		"evaluate",
	)
	if err != nil {
		return types.AgentDecision{}, fmt.Errorf("agent evaluation failed: %w", err)
	}

	e.logger.Debug("agent decision", "intentId", intent.IntentID, "decision", decision.Decision, "reason", decision.Reason)
	return *decision, nil
}

// PriceFeed reports the current price of a currency
type PriceFeed interface {
	Price(ctx context.Context, currency string) (decimal.Decimal, error)
}

// RuleEvaluator decides from the intent's own condition without an
// external service
type RuleEvaluator struct {
	prices PriceFeed
	now    func() time.Time
}

var _ Evaluator = (*RuleEvaluator)(nil)

// NewRuleEvaluator creates a rule evaluator. prices may be nil, in which
// case price_below intents are always skipped.
func NewRuleEvaluator(prices PriceFeed) *RuleEvaluator {
	return &RuleEvaluator{prices: prices, now: time.Now}
}

func (r *RuleEvaluator) Evaluate(ctx context.Context, intent *types.PaymentIntent) (types.AgentDecision, error) {
	cond := intent.Condition

	switch cond.Type {
	case types.ConditionManual, "":
		return execute("manual trigger"), nil

	case types.ConditionTimeBased:
		if cond.ExecuteAfter == nil {
			return skip("no execution time set"), nil
		}
		if r.now().Before(*cond.ExecuteAfter) {
			return skip(fmt.Sprintf("scheduled for %s", cond.ExecuteAfter.UTC().Format(time.RFC3339))), nil
		}
		return execute("execution time reached"), nil

	case types.ConditionPriceBelow:
		if r.prices == nil {
			return skip("no price feed configured"), nil
		}
		threshold, err := decimal.NewFromString(cond.Threshold)
		if err != nil {
			return types.AgentDecision{}, fmt.Errorf("invalid price threshold %q: %w", cond.Threshold, err)
		}
		price, err := r.prices.Price(ctx, intent.Currency)
		if err != nil {
			return types.AgentDecision{}, fmt.Errorf("failed to get price for %s: %w", intent.Currency, err)
		}
		if price.LessThan(threshold) {
			return execute(fmt.Sprintf("price %s below threshold %s", price, threshold)), nil
		}
		return skip(fmt.Sprintf("price %s above threshold %s", price, threshold)), nil

	default:
		return skip(fmt.Sprintf("unknown condition type %q", cond.Type)), nil
	}
}

func execute(reason string) types.AgentDecision {
	return types.AgentDecision{Decision: types.DecisionExecute, Reason: reason}
}

func skip(reason string) types.AgentDecision {
	return types.AgentDecision{Decision: types.DecisionSkip, Reason: reason}
}

// StaticPrices is a fixed PriceFeed
type StaticPrices map[string]decimal.Decimal

func (p StaticPrices) Price(ctx context.Context, currency string) (decimal.Decimal, error) {
	price, ok := p[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", currency)
	}
	return price, nil
}
