package normalizer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-recon-engine/internal/models"
)

// ParseAmount converts a printed amount into signed minor units of currency.
//
// Accepted forms include "8,400.00", "$8400", "(12.50)", "12.50-", "12.50 DR" and
// "USD 8,400.00". A dot is the only decimal separator. Amounts with more fractional
// digits than the currency allows are rejected rather than rounded.
func ParseAmount(value, currency string) (int64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "DR"):
		negative = true
		s = strings.TrimSpace(s[:len(s)-2])
	case strings.HasSuffix(upper, "CR"):
		s = strings.TrimSpace(s[:len(s)-2])
	}

	if code := strings.ToUpper(currency); code != "" {
		upper = strings.ToUpper(s)
		if strings.HasPrefix(upper, code) {
			s = s[len(code):]
		} else if strings.HasSuffix(upper, code) {
			s = s[:len(s)-len(code)]
		}
	}

	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSpace(s[:len(s)-1])
	}

	s = strings.Map(func(r rune) rune {
		switch r {
		case ',', ' ', '\'', '_', '\u00a0', '$', '€', '£', '¥':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, fmt.Errorf("amount %q has no digits", value)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a number: %w", value, err)
	}
	if negative {
		if d.IsNegative() {
			return 0, fmt.Errorf("amount %q is negated twice", value)
		}
		d = d.Neg()
	}

	exp := models.CurrencyExponent(currency)
	minor := d.Shift(int32(exp))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d fractional digits for %s", value, exp, currency)
	}

	// the most negative int64 has no positive counterpart
	bi := minor.BigInt()
	if !bi.IsInt64() || bi.Int64() == math.MinInt64 {
		return 0, fmt.Errorf("amount %q overflows minor units", value)
	}
	return bi.Int64(), nil
}

// ParseDate parses a value date with the first matching layout and keeps only the
// calendar date as written, at UTC midnight.
func ParseDate(value string, layouts []string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("date %q matches none of %d layouts", value, len(layouts))
}
