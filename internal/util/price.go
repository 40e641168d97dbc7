// Package util provides KRX price arithmetic and won formatting shared by
// the strategy, guard, and notifier.
package util

import (
	"strings"

	"github.com/shopspring/decimal"
)

// KRX quoting units by price band, 2023 revision.
var tickBands = []struct {
	from decimal.Decimal
	tick decimal.Decimal
}{
	{decimal.NewFromInt(500_000), decimal.NewFromInt(1_000)},
	{decimal.NewFromInt(200_000), decimal.NewFromInt(500)},
	{decimal.NewFromInt(50_000), decimal.NewFromInt(100)},
	{decimal.NewFromInt(20_000), decimal.NewFromInt(50)},
	{decimal.NewFromInt(5_000), decimal.NewFromInt(10)},
	{decimal.NewFromInt(2_000), decimal.NewFromInt(5)},
}

// TickSize returns the KRX quoting unit for price.
func TickSize(price decimal.Decimal) decimal.Decimal {
	for _, band := range tickBands {
		if price.GreaterThanOrEqual(band.from) {
			return band.tick
		}
	}
	return decimal.NewFromInt(1)
}

// RoundToTick rounds price to the nearest valid KRX tick, ties away from
// zero. Non-positive prices pass through unchanged.
func RoundToTick(price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return price
	}
	tick := TickSize(price)
	return price.Div(tick).Round(0).Mul(tick)
}

// FormatWon renders an amount as a grouped won string, e.g. ₩70,000.
// Fractions are rounded to whole won.
func FormatWon(v decimal.Decimal) string {
	s := groupDigits(v.Abs().Round(0).String())
	if v.Sign() < 0 {
		return "-₩" + s
	}
	return "₩" + s
}

// FormatSignedWon is FormatWon with an explicit plus on gains.
func FormatSignedWon(v decimal.Decimal) string {
	if v.Sign() > 0 {
		return "+" + FormatWon(v)
	}
	return FormatWon(v)
}

// FormatSignedPct renders a percentage with two decimals and an explicit
// sign, e.g. +1.43%.
func FormatSignedPct(v decimal.Decimal) string {
	s := v.StringFixed(2) + "%"
	if v.Sign() > 0 {
		return "+" + s
	}
	return s
}

func groupDigits(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
