package domain

import "github.com/shopspring/decimal"

// Direction is the side a price is moving toward its target from
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// DirectionOf derives the direction from the per-minute rate.
// A zero rate counts as DOWN, so a target equal to the start is reached immediately.
func DirectionOf(rate decimal.Decimal) Direction {
	if rate.IsPositive() {
		return DirectionUp
	}
	return DirectionDown
}

// Reached checks if price has reached or crossed target.
// Returns true when:
// - Direction is UP and price >= target
// - Direction is DOWN and price <= target
func (d Direction) Reached(price, target decimal.Decimal) bool {
	switch d {
	case DirectionUp:
		return price.GreaterThanOrEqual(target)
	case DirectionDown:
		return price.LessThanOrEqual(target)
	default:
		return false
	}
}
