// market/points.go
//
// Stop and take distances travel through the system as points, a
// multiple of the instrument's tick size. These helpers convert between
// point distances and absolute price levels.
package market

import "math"

// StopLevel returns the absolute protective stop price for an entry.
// Buys stop below the entry, sells above.
func StopLevel(entry, points, tickSize float64, side Side) float64 {
	if side == Buy {
		return entry - points*tickSize
	}
	return entry + points*tickSize
}

// TakeLevel returns the absolute take-profit price for an entry.
// Buys take above the entry, sells below.
func TakeLevel(entry, points, tickSize float64, side Side) float64 {
	if side == Buy {
		return entry + points*tickSize
	}
	return entry - points*tickSize
}

// PriceToPoints converts the distance between two price levels into
// points. Returns 0 when the tick size is not usable.
func PriceToPoints(a, b, tickSize float64) float64 {
	if tickSize <= 0 {
		return 0
	}
	return math.Abs(a-b) / tickSize
}
