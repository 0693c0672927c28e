package types

import "github.com/shopspring/decimal"

// CurrencyPlaces is the persisted precision of every monetary value.
const CurrencyPlaces = 2

// ToCents rounds d to currency precision and returns it as integer cents.
func ToCents(d decimal.Decimal) int64 {
	return d.Round(CurrencyPlaces).Shift(CurrencyPlaces).IntPart()
}

// FromCents converts integer cents back to a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -CurrencyPlaces)
}
