package engine

import "github.com/shopspring/decimal"

// floorToStep rounds x down to a multiple of step. A non-positive step
// returns x unchanged.
func floorToStep(x, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return x
	}
	return x.Div(step).Floor().Mul(step)
}

// roundToTick rounds a price to the nearest valid tick.
func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// roundQty floors a quantity to the lot step and clamps it up to the
// venue minimum.
func roundQty(qty, step, minQty decimal.Decimal) decimal.Decimal {
	qty = floorToStep(qty, step)
	if qty.LessThan(minQty) {
		qty = minQty
	}
	return qty
}

// pctOf returns value * pct/100.
func pctOf(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(pct).Div(decimal.NewFromInt(100))
}

// onePlusPct / oneMinusPct scale a price by ±pct%.
func onePlusPct(value, pct decimal.Decimal) decimal.Decimal {
	return value.Add(pctOf(value, pct))
}

func oneMinusPct(value, pct decimal.Decimal) decimal.Decimal {
	return value.Sub(pctOf(value, pct))
}
