package wallet

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponents lists ISO 4217 currencies whose minor unit is not 1/100.
var minorUnitExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// CurrencyExponent returns the number of minor-unit digits of currency.
func CurrencyExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// FormatAmount renders minor units as a major-unit decimal string, for
// display only. Arithmetic always stays in int64 minor units.
func FormatAmount(amount int64, currency string) string {
	exp := CurrencyExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}
