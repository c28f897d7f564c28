package bazaar

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Side is the direction of a bazaar order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) String() string {
	return string(s)
}

// Label returns the in-game name of an order on this side.
func (s Side) Label() string {
	if s == SideSell {
		return "Sell Offer"
	}
	return "Buy Order"
}

// SideFromLabel maps "Buy Order" and "Sell Offer" to a Side.
func SideFromLabel(label string) (Side, bool) {
	switch strings.TrimSpace(label) {
	case "Buy Order":
		return SideBuy, true
	case "Sell Offer":
		return SideSell, true
	default:
		return "", false
	}
}

var (
	// ErrMissingOwner is returned when an update or call arrives without an owner id.
	ErrMissingOwner = errors.New("bazaar: owner id is required")
	// ErrUnknownItem is returned by resolvers that have no candidate for a display name.
	ErrUnknownItem = errors.New("bazaar: unknown item")
)

// Fill is a partial execution against an Offer.
type Fill struct {
	Amount       int64     `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Offer is one open bazaar order of a user.
type Offer struct {
	Side         Side      `json:"side"`
	ItemName     string    `json:"item_name"`
	ItemTag      string    `json:"item_tag,omitempty"`
	Amount       int64     `json:"amount"`
	PricePerUnit Tenths    `json:"price_per_unit"`
	CreatedAt    time.Time `json:"created_at"`
	Fills        []Fill    `json:"fills,omitempty"`
}

// Total is the full order value.
func (o Offer) Total() Tenths {
	return o.PricePerUnit * Tenths(o.Amount)
}

// FilledAmount sums the amounts of all recorded fills.
func (o Offer) FilledAmount() int64 {
	var filled int64
	for _, f := range o.Fills {
		filled += f.Amount
	}
	return filled
}

// RemainingTotal is the value of the unfilled part of the order.
func (o Offer) RemainingTotal() Tenths {
	open := o.Amount - o.FilledAmount()
	if open < 0 {
		open = 0
	}
	return o.PricePerUnit * Tenths(open)
}

// Fingerprint returns the correlation key of the offer.
func (o Offer) Fingerprint() string {
	return Fingerprint(o.Side, o.Amount, o.PricePerUnit, o.ItemName)
}

// SameOrder reports whether both offers describe the same order by item,
// amount and side.
func (o Offer) SameOrder(other Offer) bool {
	return o.Side == other.Side && o.Amount == other.Amount && SameItem(o.ItemName, other.ItemName)
}

// FirstCounterparty returns the counterparty of the first fill, if any.
func (o Offer) FirstCounterparty() string {
	if len(o.Fills) == 0 {
		return ""
	}
	return o.Fills[0].Counterparty
}

// Clone returns a deep copy.
func (o Offer) Clone() Offer {
	clone := o
	if o.Fills != nil {
		clone.Fills = append([]Fill(nil), o.Fills...)
	}
	return clone
}

// SameItem compares two display names with markup removed.
func SameItem(a, b string) bool {
	return StripMarkup(a) == StripMarkup(b)
}

// Tile is one slot of a game inventory screen.
type Tile struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tag         string `json:"tag,omitempty"`
}

// Snapshot is a full capture of an inventory screen in slot order.
type Snapshot struct {
	Title string `json:"title"`
	Tiles []Tile `json:"tiles"`
}

// IsConfirmScreen reports whether the snapshot shows an order confirmation.
func (s *Snapshot) IsConfirmScreen() bool {
	return s != nil && strings.Contains(StripMarkup(s.Title), "Confirm")
}

// IsOrderScreen reports whether the snapshot shows the order management screen.
func (s *Snapshot) IsOrderScreen() bool {
	return s != nil && strings.Contains(StripMarkup(s.Title), "Bazaar Orders")
}

// Update is one delivery from the client for a single owner.
type Update struct {
	OwnerID    string    `json:"owner_id"`
	ReceivedAt time.Time `json:"received_at"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
	ChatLines  []string  `json:"chat,omitempty"`
}

// CostLot is a claimed buy order awaiting FIFO matching against sells.
type CostLot struct {
	LotID     string    `json:"lot_id"`
	OwnerID   string    `json:"owner_id"`
	ItemID    string    `json:"item_id"`
	Amount    int64     `json:"amount"`
	Remaining int64     `json:"remaining"`
	TotalCost Tenths    `json:"total_cost"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lot lifetime has elapsed at now.
func (l CostLot) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// CostFor returns the proportional cost of used units, rounded down.
func (l CostLot) CostFor(used int64) Tenths {
	if l.Amount <= 0 {
		return 0
	}
	return Tenths(int64(l.TotalCost) * used / l.Amount)
}

// RemainingCost is the proportional cost of the unmatched units.
func (l CostLot) RemainingCost() Tenths {
	return l.CostFor(l.Remaining)
}

// Flip is a realized buy to sell match.
type Flip struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	ItemID       string    `json:"item_id"`
	ItemName     string    `json:"item_name"`
	Amount       int64     `json:"amount"`
	BuyCost      Tenths    `json:"buy_cost"`
	SellProceeds Tenths    `json:"sell_proceeds"`
	Profit       Tenths    `json:"profit"`
	Year         int       `json:"year"`
	SoldAt       time.Time `json:"sold_at"`
}

// LotUpdate is the outcome of matching against one lot. Delete removes the
// lot, otherwise Lot replaces the stored row.
type LotUpdate struct {
	Lot    CostLot
	Delete bool
}

// Settlement groups the lot updates of one sell claim with the resulting flip.
type Settlement struct {
	OwnerID string
	ItemID  string
	Lots    []LotUpdate
	Flip    *Flip
}

// TxFlag describes the direction and asset of a ledger transaction.
type TxFlag uint8

const (
	TxReceive TxFlag = 1 << iota
	TxRemove
	TxCoins
	TxItem
)

func (f TxFlag) Has(flag TxFlag) bool {
	return f&flag == flag
}

func (f TxFlag) String() string {
	var parts []string
	if f.Has(TxReceive) {
		parts = append(parts, "receive")
	}
	if f.Has(TxRemove) {
		parts = append(parts, "remove")
	}
	if f.Has(TxCoins) {
		parts = append(parts, "coins")
	}
	if f.Has(TxItem) {
		parts = append(parts, "item")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// CoinsItemID is the ledger item id used for coin movements.
const CoinsItemID = "SKYBLOCK_COIN"

// Transaction is one ledger entry. Coin amounts are in tenths.
type Transaction struct {
	OwnerID   string
	ItemID    string
	Amount    int64
	Flags     TxFlag
	Timestamp time.Time
}

// OrderBookEntry identifies a public order book listing.
type OrderBookEntry struct {
	ItemID       string
	Side         Side
	PricePerUnit Tenths
	Amount       int64
	OwnerID      string
	Timestamp    time.Time
}

// Reminder is a scheduled expiry notification for an order.
type Reminder struct {
	OwnerID     string    `json:"owner_id"`
	Fingerprint string    `json:"fingerprint"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// Ledger appends transactions for an owner.
type Ledger interface {
	Append(ctx context.Context, txs ...Transaction) error
}

// OrderBook publishes and withdraws public listings.
type OrderBook interface {
	Add(ctx context.Context, entry OrderBookEntry) error
	Remove(ctx context.Context, entry OrderBookEntry) error
}

// Notifier schedules and cancels expiry reminders keyed by fingerprint.
type Notifier interface {
	Schedule(ctx context.Context, reminder Reminder) error
	Cancel(ctx context.Context, ownerID, fingerprint string) error
	List(ctx context.Context, ownerID string) ([]Reminder, error)
}

// ItemResolver maps a display name to a canonical item id.
type ItemResolver interface {
	Resolve(ctx context.Context, displayName string) (string, error)
}

// ConventionalItemID derives the usual upper snake case id from a display
// name, e.g. "Enchanted Coal" becomes "ENCHANTED_COAL".
func ConventionalItemID(displayName string) string {
	fields := strings.FieldsFunc(strings.ToUpper(StripMarkup(displayName)), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	return strings.Join(fields, "_")
}
