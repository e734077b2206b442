// Package money is the fixed-point amount type used for every balance and
// posting in the ledger.
package money

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/fault"
)

// Scale is the number of fractional digits kept for every amount.
const Scale = 2

var (
	ErrInvalidAmount    = fault.New(fault.Invalid, "amount must be a positive decimal")
	ErrInvalidCurrency  = fault.New(fault.Invalid, "currency must be a 3-letter ISO code")
	ErrCurrencyMismatch = fault.New(fault.Invalid, "currency mismatch")
	ErrOverflow         = fault.New(fault.Invalid, "amount exceeds the supported range")
	ErrTooPrecise       = fault.New(fault.Invalid, "amount has more than 2 decimal places")
)

// maxAmount is the exclusive bound on any amount or balance. NUMERIC(20,2)
// tops out at 999999999999999999.99.
var maxAmount = decimal.New(1, 18)

func inRange(d decimal.Decimal) bool {
	return d.Abs().LessThan(maxAmount)
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Money is an amount in a currency. The zero value is not usable; build
// values with New, Parse or Zero.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// ValidCurrency reports whether code looks like an ISO 4217 code.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// NormalizeCurrency upper-cases and trims a currency code and validates it.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !ValidCurrency(c) {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

// New builds a Money from a decimal. The amount may be zero or negative;
// callers that need a positive posting amount check IsPositive.
func New(amount decimal.Decimal, currency string) (Money, error) {
	c, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return Money{}, ErrTooPrecise
	}
	if !inRange(amount) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: amount.Truncate(Scale), Currency: c}, nil
}

// MustNew is New for constants in tests and fixtures.
func MustNew(amount string, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Parse reads a decimal string such as "1500.00".
func Parse(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return New(d, currency)
}

// Positive parses amount and rejects zero and negative values.
func Positive(amount decimal.Decimal, currency string) (Money, error) {
	m, err := New(amount, currency)
	if err != nil {
		return Money{}, err
	}
	if !m.IsPositive() {
		return Money{}, ErrInvalidAmount
	}
	return m, nil
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: strings.ToUpper(currency)}
}

func (m Money) IsPositive() bool { return m.Amount.IsPositive() }
func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Add returns m+o. Both operands must share a currency.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	sum := m.Amount.Add(o.Amount)
	if !inRange(sum) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub returns m-o. Both operands must share a currency.
func (m Money) Sub(o Money) (Money, error) {
	return m.Add(o.Neg())
}

// Neg flips the sign.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(o Money) (int, error) {
	if m.Currency != o.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	return m.Amount.Cmp(o.Amount), nil
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// String renders "1500.00 PKR".
func (m Money) String() string {
	return m.Amount.StringFixed(Scale) + " " + m.Currency
}

