/*
money.go - Currency-tagged fixed-point monetary values

PURPOSE:
  Money is the only representation of monetary value in the engine. It pairs
  an exact decimal with a currency code so that amounts from different
  currencies can never be mixed silently.

DESIGN PRINCIPLES:
  1. Exactness: decimal.Decimal everywhere; binary floats never hold money.
  2. Currency safety: arithmetic is defined only between equal currencies.
     Mixing currencies is a programming error and panics; callers that accept
     external input validate first (see Allocator's currency check, which
     surfaces ErrCurrencyMismatch before any mutation).
  3. Minor units: the lock-free counter store works on integer minor units
     (pence/cents), so Money converts losslessly in both directions.

USAGE:
  pot := matching.MustMoney("500.00", matching.GBP)
  req := matching.MoneyFromMinorUnits(1050, matching.GBP) // 10.50
  left := pot.Sub(req)

SEE ALSO:
  - types.go: entities carrying Money
  - store.go: AmountStore contract operating on Money
*/
package matching

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

// Currency is an ISO 4217 alphabetic code. The engine never converts between
// currencies; it only refuses to mix them.
type Currency string

const (
	GBP Currency = "GBP"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// minorUnitScale is the number of decimal places in one major unit.
// All supported currencies are 2-decimal currencies.
const minorUnitScale = 2

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

// NewMoney wraps an exact decimal with a currency.
func NewMoney(value decimal.Decimal, currency Currency) Money {
	return Money{Value: value, Currency: currency}
}

// MoneyFromString parses a decimal string ("10.00") into Money.
func MoneyFromString(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{Value: d, Currency: currency}, nil
}

// MustMoney is MoneyFromString for fixtures and constants; panics on bad input.
func MustMoney(s string, currency Currency) Money {
	m, err := MoneyFromString(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromMinorUnits converts integer minor units (pence, cents) to Money.
func MoneyFromMinorUnits(units int64, currency Currency) Money {
	return Money{Value: decimal.New(units, -minorUnitScale), Currency: currency}
}

// Zero returns the zero value in the given currency.
func Zero(currency Currency) Money {
	return Money{Value: decimal.Zero, Currency: currency}
}

// MinorUnits returns the amount as integer minor units, truncating any
// sub-minor-unit residue (none exists for values produced by this engine,
// which only ever adds and subtracts 2-decimal inputs).
func (m Money) MinorUnits() int64 {
	return m.Value.Shift(minorUnitScale).IntPart()
}

// SameCurrency reports whether b is denominated in m's currency.
func (m Money) SameCurrency(b Money) bool { return m.Currency == b.Currency }

func (m Money) assertCurrency(b Money) {
	if m.Currency != b.Currency {
		panic(fmt.Sprintf("money arithmetic across currencies: %s vs %s", m.Currency, b.Currency))
	}
}

func (m Money) Add(b Money) Money {
	m.assertCurrency(b)
	return Money{Value: m.Value.Add(b.Value), Currency: m.Currency}
}

func (m Money) Sub(b Money) Money {
	m.assertCurrency(b)
	return Money{Value: m.Value.Sub(b.Value), Currency: m.Currency}
}

func (m Money) Neg() Money      { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool    { return m.Value.IsZero() }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }

func (m Money) GreaterThan(b Money) bool { m.assertCurrency(b); return m.Value.GreaterThan(b.Value) }
func (m Money) LessThan(b Money) bool    { m.assertCurrency(b); return m.Value.LessThan(b.Value) }
func (m Money) Equal(b Money) bool       { return m.Currency == b.Currency && m.Value.Equal(b.Value) }

// EqualAtCents compares two amounts at minor-unit precision. The Reconciler
// uses this so that sub-cent representation noise never triggers a "drift"
// verdict.
func (m Money) EqualAtCents(b Money) bool {
	return m.Currency == b.Currency &&
		m.Value.Round(minorUnitScale).Equal(b.Value.Round(minorUnitScale))
}

func (m Money) Min(b Money) Money {
	m.assertCurrency(b)
	if m.Value.LessThan(b.Value) {
		return m
	}
	return b
}

// String renders "10.00 GBP" for logs; never used for arithmetic.
func (m Money) String() string {
	return m.Value.StringFixed(minorUnitScale) + " " + string(m.Currency)
}
