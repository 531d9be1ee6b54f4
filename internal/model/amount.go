package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenDecimals is fixed for super tokens.
const TokenDecimals = 18

// SecondsPerDay converts per-second flow rates into per-day rates.
const SecondsPerDay = 86400

// ParseBigInt parses a base-10 integer string; empty input is zero.
func ParseBigInt(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}

// FromWei converts a raw token amount into token units.
func FromWei(value *big.Int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -TokenDecimals)
}

// UserFlowRatePerDay returns totalFlowRate × memberUnits / totalUnits × 86400 in token units per day.
// A zero or missing total yields zero.
func UserFlowRatePerDay(totalFlowRate, memberUnits, totalUnits *big.Int) decimal.Decimal {
	if totalFlowRate == nil || memberUnits == nil || totalUnits == nil || totalUnits.Sign() <= 0 {
		return decimal.Zero
	}
	share := decimal.NewFromBigInt(memberUnits, 0).Div(decimal.NewFromBigInt(totalUnits, 0))
	return FromWei(totalFlowRate).Mul(share).Mul(decimal.NewFromInt(SecondsPerDay))
}
