package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sigweihq/x402treasury/pkg/constants"
)

// CurrencyDecimals maps a currency symbol to the number of decimals of its smallest unit
var CurrencyDecimals = map[string]int32{
	"USDC": constants.USDCDecimals,
	"USDT": 6,
	"CRO":  18,
	"TCRO": 18,
	"ETH":  18,
}

// ToSmallestUnit converts a human amount ("1.5") into the smallest unit of currency
// ("1500000" for USDC). Amounts with more precision than the currency allows are rejected.
func ToSmallestUnit(amount, currency string) (string, error) {
	decimals, ok := CurrencyDecimals[strings.ToUpper(currency)]
	if !ok {
		return "", fmt.Errorf("unsupported currency: %s", currency)
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if value.IsNegative() {
		return "", fmt.Errorf("amount must not be negative: %s", amount)
	}

	scaled := value.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return "", fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt().String(), nil
}

// FromSmallestUnit converts a smallest-unit integer string back into a human amount
func FromSmallestUnit(value, currency string) (decimal.Decimal, error) {
	decimals, ok := CurrencyDecimals[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("unsupported currency: %s", currency)
	}

	i, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid integer amount: %q", value)
	}
	return decimal.NewFromBigInt(i, -decimals), nil
}

// ValidateIntegerAmount checks that s is a non-negative integer in decimal notation
func ValidateIntegerAmount(s string) error {
	value, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if value.IsNegative() {
		return fmt.Errorf("amount must not be negative: %s", s)
	}
	if !value.IsInteger() || strings.ContainsAny(s, ".eE") {
		return fmt.Errorf("amount must be an integer in the smallest unit: %s", s)
	}
	return nil
}
