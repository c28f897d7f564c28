package bazaar

import (
	"strconv"
	"strings"
)

// FingerprintLength is the reference field length of the notification and
// order book services.
const FingerprintLength = 32

// Fingerprint builds the correlation key of an order: side, amount, price per
// unit and the markup free item name, cut to FingerprintLength characters.
func Fingerprint(side Side, amount int64, pricePerUnit Tenths, itemName string) string {
	var b strings.Builder
	b.WriteString(string(side))
	b.WriteString(strconv.FormatInt(amount, 10))
	b.WriteByte('x')
	b.WriteString(pricePerUnit.String())
	b.WriteString(StripMarkup(itemName))

	raw := b.String()
	if len(raw) <= FingerprintLength {
		return raw
	}
	runes := []rune(raw)
	if len(runes) <= FingerprintLength {
		return raw
	}
	return string(runes[:FingerprintLength])
}

// StripMarkup removes the section sign formatting codes of game text
// ("§6Enchanted §lCoal") and surrounding whitespace.
func StripMarkup(s string) string {
	if !strings.ContainsRune(s, '§') {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	skip := false
	for _, r := range s {
		if skip {
			skip = false
			continue
		}
		if r == '§' {
			skip = true
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
