package chatevents

import (
	"regexp"
	"strings"

	"github.com/recomma/flipledger/bazaar"
)

// Kind is the class of a bazaar chat line.
type Kind int

const (
	KindNone Kind = iota
	KindSetup
	KindFilled
	KindCancelled
	KindClaimed
	KindFlipped
	KindInsta
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindFilled:
		return "filled"
	case KindCancelled:
		return "cancelled"
	case KindClaimed:
		return "claimed"
	case KindFlipped:
		return "flipped"
	case KindInsta:
		return "insta"
	default:
		return "none"
	}
}

const bazaarPrefix = "[Bazaar]"

// Classify assigns a line to exactly one Kind by case-sensitive keywords.
// Lines outside the bazaar channel are KindNone.
func Classify(line string) Kind {
	line = bazaar.StripMarkup(line)
	if !strings.Contains(line, bazaarPrefix) {
		return KindNone
	}
	switch {
	case strings.Contains(line, "Setup!"):
		return KindSetup
	case strings.Contains(line, "was filled!"):
		return KindFilled
	case strings.Contains(line, "Cancelled!"):
		return KindCancelled
	case strings.Contains(line, "Claimed"):
		return KindClaimed
	case strings.Contains(line, "Order Flipped!"):
		return KindFlipped
	case strings.Contains(line, "Bought"), strings.Contains(line, "Sold"):
		return KindInsta
	default:
		return KindNone
	}
}

const num = `([\d,.]+[kKmMbB]?)`

var (
	setupRe        = regexp.MustCompile(`(Buy Order|Sell Offer) Setup! ` + num + `x (.+) for ` + num + ` coins`)
	filledRe       = regexp.MustCompile(`Your (Buy Order|Sell Offer) for ` + num + `x (.+) was filled!`)
	cancelCoinsRe  = regexp.MustCompile(`Cancelled! Refunded ` + num + ` coins from cancelling (Buy Order|Sell Offer)!`)
	cancelItemsRe  = regexp.MustCompile(`Cancelled! Refunded ` + num + `x (.+) from cancelling (Buy Order|Sell Offer)!`)
	claimBuyRe     = regexp.MustCompile(`Claimed ` + num + `x (.+) worth ` + num + ` coins bought for ` + num + ` each!`)
	claimSellRe    = regexp.MustCompile(`Claimed ` + num + ` coins from selling ` + num + `x (.+) at ` + num + ` each!`)
	flippedRe      = regexp.MustCompile(`Order Flipped! ` + num + `x (.+) for ` + num + ` coins of total expected profit (-?[\d,.]+[kKmMbB]?) coins`)
	instaRe        = regexp.MustCompile(`(Bought|Sold) ` + num + `x (.+) for ` + num + ` coins!`)
	confirmUnitRe  = regexp.MustCompile(`^Price per unit: ` + num + ` coins`)
	confirmTotalRe = regexp.MustCompile(`^Total price: ` + num + ` coins`)
)

// Event is a parsed chat line. Money fields are tenths.
type Event struct {
	Kind   Kind
	Side   bazaar.Side
	Item   string
	Amount int64
	// Total is the coin value named by the line: listing total, refund,
	// claim worth, flip sell total or insta trade value.
	Total bazaar.Tenths
	// PricePerUnit is set by claim lines.
	PricePerUnit bazaar.Tenths
	// Profit is the expected profit of a flip.
	Profit bazaar.Tenths
	// CoinRefund marks a cancellation refunded in coins.
	CoinRefund bool
}

// Parse classifies and parses line. ok is false for KindNone and for lines
// of a known kind that do not match its format.
func Parse(line string) (Event, bool) {
	kind := Classify(line)
	line = bazaar.StripMarkup(line)
	ev := Event{Kind: kind}

	switch kind {
	case KindSetup:
		m := setupRe.FindStringSubmatch(line)
		if m == nil {
			return ev, false
		}
		ev.Side = sideOf(m[1])
		ev.Amount = bazaar.ParseAmount(m[2])
		ev.Item = strings.TrimSpace(m[3])
		ev.Total = bazaar.ParseCoins(m[4])

	case KindFilled:
		m := filledRe.FindStringSubmatch(line)
		if m == nil {
			return ev, false
		}
		ev.Side = sideOf(m[1])
		ev.Amount = bazaar.ParseAmount(m[2])
		ev.Item = strings.TrimSpace(m[3])

	case KindCancelled:
		if m := cancelCoinsRe.FindStringSubmatch(line); m != nil {
			ev.CoinRefund = true
			ev.Total = bazaar.ParseCoins(m[1])
			ev.Side = sideOf(m[2])
			break
		}
		m := cancelItemsRe.FindStringSubmatch(line)
		if m == nil {
			return ev, false
		}
		ev.Amount = bazaar.ParseAmount(m[1])
		ev.Item = strings.TrimSpace(m[2])
		ev.Side = sideOf(m[3])

	case KindClaimed:
		if m := claimBuyRe.FindStringSubmatch(line); m != nil {
			ev.Side = bazaar.SideBuy
			ev.Amount = bazaar.ParseAmount(m[1])
			ev.Item = strings.TrimSpace(m[2])
			ev.Total = bazaar.ParseCoins(m[3])
			ev.PricePerUnit = bazaar.ParseCoins(m[4])
			break
		}
		m := claimSellRe.FindStringSubmatch(line)
		if m == nil {
			return ev, false
		}
		ev.Side = bazaar.SideSell
		ev.Total = bazaar.ParseCoins(m[1])
		ev.Amount = bazaar.ParseAmount(m[2])
		ev.Item = strings.TrimSpace(m[3])
		ev.PricePerUnit = bazaar.ParseCoins(m[4])

	case KindFlipped:
		m := flippedRe.FindStringSubmatch(line)
		if m == nil {
			return ev, false
		}
		ev.Side = bazaar.SideBuy
		ev.Amount = bazaar.ParseAmount(m[1])
		ev.Item = strings.TrimSpace(m[2])
		ev.Total = bazaar.ParseCoins(m[3])
		ev.Profit = parseSigned(m[4])

	case KindInsta:
		m := instaRe.FindStringSubmatch(line)
		if m == nil {
			return ev, false
		}
		ev.Side = bazaar.SideBuy
		if m[1] == "Sold" {
			ev.Side = bazaar.SideSell
		}
		ev.Amount = bazaar.ParseAmount(m[2])
		ev.Item = strings.TrimSpace(m[3])
		ev.Total = bazaar.ParseCoins(m[4])

	default:
		return ev, false
	}

	if ev.Amount < 0 || (!ev.CoinRefund && ev.Amount == 0) {
		return ev, false
	}
	return ev, true
}

func sideOf(label string) bazaar.Side {
	side, _ := bazaar.SideFromLabel(label)
	return side
}

func parseSigned(raw string) bazaar.Tenths {
	if strings.HasPrefix(raw, "-") {
		return -bazaar.ParseCoins(raw[1:])
	}
	return bazaar.ParseCoins(raw)
}
