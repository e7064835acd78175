package domain

import (
	"github.com/shopspring/decimal"
)

// Precision is the fixed number of decimal places every currency uses.
const Precision = 7

// Rate is an exchange rate expressed as an exact integer fraction N/D.
// A rate of 1/10 means 1 HOUR is worth 10 units of the local currency.
type Rate struct {
	N int64 `json:"n" yaml:"n"`
	D int64 `json:"d" yaml:"d"`
}

// NewRate returns the fraction n/d reduced to lowest terms.
func NewRate(n, d int64) Rate {
	g := gcd(n, d)
	if g == 0 {
		return Rate{N: n, D: d}
	}
	return Rate{N: n / g, D: d / g}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (r Rate) Equals(o Rate) bool { return r.N == o.N && r.D == o.D }

// Inverse returns D/N.
func (r Rate) Inverse() Rate { return Rate{N: r.D, D: r.N} }

func (r Rate) Validate() error {
	if r.N <= 0 || r.D <= 0 {
		return Validationf("rate must be a positive fraction, got %d/%d", r.N, r.D)
	}
	return nil
}

// MulCeil computes amount * N / D rounded up to 7 decimal places.
// Rounding up is what keeps a bridge offer fully collateralized: the
// trader may hold a hair more backing than strictly needed, never less.
func (r Rate) MulCeil(amount string) (string, error) {
	return mulRatio(amount, r.N, r.D, true)
}

// DivFloor computes amount * D / N rounded down to 7 decimal places.
// Rounding down prevents ever crediting a recipient more than the
// exact conversion.
func (r Rate) DivFloor(amount string) (string, error) {
	return mulRatio(amount, r.D, r.N, false)
}

// mulRatio computes amount*n/d at 7 decimals using exact integer
// division, so the rounding direction is decided on the true quotient
// rather than on an intermediate approximation.
func mulRatio(amount string, n, d int64, roundUp bool) (string, error) {
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return "", Validationf("invalid amount %q", amount)
	}
	if a.IsNegative() {
		return "", Validationf("negative amount %q", amount)
	}
	q, rem := a.Mul(decimal.NewFromInt(n)).QuoRem(decimal.NewFromInt(d), Precision)
	if roundUp && !rem.IsZero() {
		q = q.Add(decimal.New(1, -Precision))
	}
	return q.StringFixed(Precision), nil
}
