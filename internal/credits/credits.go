package credits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid credit amount")
	ErrTooManyDecimals = errors.New("credit amount has too many decimal places")
)

const (
	costTierThresholdMB = 10
	maxDecimalPlaces    = 2
)

var (
	smallTierCost = decimal.NewFromInt(1)
	largeTierCost = decimal.NewFromInt(2)
	mbBytes       = decimal.NewFromInt(1024 * 1024)
)

// Parse reads a non-negative credit amount with at most two decimal places.
func Parse(input string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(input)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.Exponent() < -maxDecimalPlaces {
		return decimal.Zero, ErrTooManyDecimals
	}
	return amount, nil
}

func Format(amount decimal.Decimal) string {
	return amount.StringFixed(maxDecimalPlaces)
}

// ImageCost prices an upload by file size: a flat low tier below 10MB,
// scaling linearly above it. Pure function, independent of the ledger.
func ImageCost(sizeBytes int64) decimal.Decimal {
	sizeMB := decimal.NewFromInt(sizeBytes).Div(mbBytes)
	if sizeMB.LessThan(decimal.NewFromInt(costTierThresholdMB)) {
		return smallTierCost
	}
	return largeTierCost.Mul(sizeMB.Div(decimal.NewFromInt(costTierThresholdMB))).Round(maxDecimalPlaces)
}

// VideoCost uses the same size-based model as images. Video decoding work is
// already priced in via the larger files it arrives on.
func VideoCost(sizeBytes int64) decimal.Decimal {
	return ImageCost(sizeBytes)
}
