package engine

import (
	"github.com/shopspring/decimal"

	"signal-executor/internal/venue"
)

func nullDec(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// pctMul converts a fractional move into a leveraged percentage.
func pctMul(move decimal.Decimal, leverage int) decimal.Decimal {
	return move.Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(leverage)))
}

func venueNotFound(err error) bool {
	return venue.IsNotFound(err)
}
