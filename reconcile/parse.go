package reconcile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

// GoBackTile terminates the order section of the orders screen.
const GoBackTile = "Go Back"

var (
	amountLine = regexp.MustCompile(`^(?:Order|Offer) amount: ([\d,.]+[kKmM]?)x`)
	priceLine  = regexp.MustCompile(`^Price per unit: ([\d,.]+[kKmM]?) coins`)
	fillLine   = regexp.MustCompile(`^- ([\d,.]+[kKmM]?)x (?:\[[^\]]+\] )?(\w+)`)
)

var (
	ErrNotOrderTile = errors.New("reconcile: tile is not an order")
	ErrMalformed    = errors.New("reconcile: malformed order tile")
)

// ParseTile turns one orders-screen tile into an Offer. CreatedAt and fill
// timestamps are set to seenAt.
func ParseTile(tile bazaar.Tile, seenAt time.Time) (bazaar.Offer, error) {
	name := bazaar.StripMarkup(tile.Name)
	var side bazaar.Side
	switch {
	case strings.HasPrefix(name, "BUY "):
		side = bazaar.SideBuy
		name = strings.TrimPrefix(name, "BUY ")
	case strings.HasPrefix(name, "SELL "):
		side = bazaar.SideSell
		name = strings.TrimPrefix(name, "SELL ")
	default:
		return bazaar.Offer{}, ErrNotOrderTile
	}

	offer := bazaar.Offer{
		Side:      side,
		ItemName:  strings.TrimSpace(name),
		ItemTag:   tile.Tag,
		CreatedAt: seenAt,
	}
	for _, raw := range strings.Split(tile.Description, "\n") {
		line := bazaar.StripMarkup(raw)
		if m := amountLine.FindStringSubmatch(line); m != nil {
			offer.Amount = bazaar.ParseAmount(m[1])
			continue
		}
		if m := priceLine.FindStringSubmatch(line); m != nil {
			offer.PricePerUnit = bazaar.ParseCoins(m[1])
			continue
		}
		if m := fillLine.FindStringSubmatch(line); m != nil {
			offer.Fills = append(offer.Fills, bazaar.Fill{
				Amount:       bazaar.ParseAmount(m[1]),
				Counterparty: m[2],
				Timestamp:    seenAt,
			})
		}
	}

	if offer.Amount <= 0 || offer.PricePerUnit <= 0 || offer.ItemName == "" {
		return bazaar.Offer{}, fmt.Errorf("%w: %q", ErrMalformed, name)
	}
	return offer, nil
}

// ParseSnapshot parses every order tile before the Go Back sentinel. Tiles
// that are not orders are skipped; malformed order tiles are returned as
// errors alongside the offers that did parse.
func ParseSnapshot(snap *bazaar.Snapshot, seenAt time.Time) ([]bazaar.Offer, []error) {
	if snap == nil {
		return nil, nil
	}
	var (
		offers []bazaar.Offer
		errs   []error
	)
	for _, tile := range snap.Tiles {
		if bazaar.StripMarkup(tile.Name) == GoBackTile {
			break
		}
		offer, err := ParseTile(tile, seenAt)
		switch {
		case errors.Is(err, ErrNotOrderTile):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		offers = append(offers, offer)
	}
	return offers, errs
}
