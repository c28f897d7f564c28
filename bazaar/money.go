package bazaar

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Tenths is a coin value scaled by ten so one decimal survives integer math.
type Tenths int64

var ten = decimal.NewFromInt(10)

// TenthsFromDecimal rounds a coin value to the nearest tenth.
func TenthsFromDecimal(coins decimal.Decimal) Tenths {
	return Tenths(coins.Mul(ten).Round(0).IntPart())
}

// Decimal returns the value in coins.
func (t Tenths) Decimal() decimal.Decimal {
	return decimal.New(int64(t), -1)
}

// Coins returns the value in coins as a float, for display and metrics only.
func (t Tenths) Coins() float64 {
	return float64(t) / 10
}

func (t Tenths) String() string {
	v := int64(t)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + strconv.FormatInt(v/10, 10) + "." + strconv.FormatInt(v%10, 10)
}

var magnitudes = map[byte]decimal.Decimal{
	'k': decimal.NewFromInt(1_000),
	'K': decimal.NewFromInt(1_000),
	'm': decimal.NewFromInt(1_000_000),
	'M': decimal.NewFromInt(1_000_000),
	'b': decimal.NewFromInt(1_000_000_000),
	'B': decimal.NewFromInt(1_000_000_000),
}

// ParseNumber parses in-game numbers such as "1,234.5", "1.2k" or "3M".
func ParseNumber(raw string) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(StripMarkup(raw)), ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	mult, scaled := magnitudes[s[len(s)-1]]
	if scaled {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if scaled {
		d = d.Mul(mult)
	}
	return d, true
}

// ParseCoins parses a coin amount into tenths. Malformed input yields zero.
func ParseCoins(raw string) Tenths {
	d, ok := ParseNumber(raw)
	if !ok {
		return 0
	}
	return TenthsFromDecimal(d)
}

// ParseAmount parses an item quantity. Fractions are truncated and
// malformed input yields zero.
func ParseAmount(raw string) int64 {
	d, ok := ParseNumber(raw)
	if !ok {
		return 0
	}
	return d.IntPart()
}

// UnitPrice divides a total by amount, rounded to the nearest tenth.
func UnitPrice(total Tenths, amount int64) Tenths {
	if amount <= 0 {
		return 0
	}
	return Tenths(decimal.NewFromInt(int64(total)).Div(decimal.NewFromInt(amount)).Round(0).IntPart())
}
