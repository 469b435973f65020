package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultExponent is used for currencies without an explicit entry
const DefaultExponent = 2

// currencyExponents lists ISO-4217 currencies whose minor unit is not 1/100
var currencyExponents = map[string]int{
	"BHD": 3,
	"CLP": 0,
	"IQD": 3,
	"ISK": 0,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"LYD": 3,
	"OMR": 3,
	"TND": 3,
	"UGX": 0,
	"VND": 0,
	"XAF": 0,
	"XOF": 0,
}

// CurrencyExponent returns the number of minor-unit digits for a currency
func CurrencyExponent(currency string) int {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return DefaultExponent
}

// MinorToDecimal converts signed minor units into a major-unit decimal
func MinorToDecimal(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, int32(-CurrencyExponent(currency)))
}

// FormatMinor renders minor units as a fixed-point major amount, e.g. 840000 USD -> "8400.00"
func FormatMinor(amount int64, currency string) string {
	return MinorToDecimal(amount, currency).StringFixed(int32(CurrencyExponent(currency)))
}

// AbsMinor returns the absolute value of a minor-unit amount
func AbsMinor(amount int64) int64 {
	if amount < 0 {
		return -amount
	}
	return amount
}
