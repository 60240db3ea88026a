package utils

import (
	"os"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
)

func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	} else {
		return def
	}
}

// UtilizationPercent returns (total - available) / total as a percentage rounded to two decimal places.
//
// If total is not positive, UtilizationPercent returns decimal.Zero.
func UtilizationPercent(available int, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}

	used := decimal.NewFromInt(int64(total - available))
	return used.Div(decimal.NewFromInt(int64(total))).Mul(hundred).Round(2)
}
