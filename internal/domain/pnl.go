package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ComputePnL returns (current-entry) x qty x sign and that amount as a percentage of entry notional.
func ComputePnL(direction Direction, entry, current, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	pnl := current.Sub(entry).Mul(quantity).Mul(direction.Sign())
	notional := entry.Mul(quantity)
	if notional.IsZero() {
		return pnl, decimal.Zero
	}
	return pnl, pnl.Div(notional).Mul(hundred)
}
