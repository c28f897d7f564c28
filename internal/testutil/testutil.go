// Package testutil holds fakes and builders shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

// Base is a fixed start time for tests.
var Base = time.Date(2026, time.February, 14, 18, 30, 0, 0, time.UTC)

func NewLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// TileFill is a customer line of an order tile.
type TileFill struct {
	Amount int64
	Name   string
	Rank   string
}

// OrderTile renders an orders-screen tile the way the game client does,
// formatting codes included.
func OrderTile(side bazaar.Side, item string, amount int64, pricePerUnit bazaar.Tenths, fills ...TileFill) bazaar.Tile {
	label, amountLabel := "§6§lBUY", "Order"
	if side == bazaar.SideSell {
		label, amountLabel = "§6§lSELL", "Offer"
	}

	var filled int64
	for _, f := range fills {
		filled += f.Amount
	}

	lines := []string{
		fmt.Sprintf("§8Worth %s coins", (pricePerUnit * bazaar.Tenths(amount)).String()),
		"§7",
		fmt.Sprintf("§7%s amount: §a%s§7x", amountLabel, group(amount)),
	}
	if filled > 0 {
		lines = append(lines, fmt.Sprintf("§7Filled: §6%d§7/%d", filled, amount))
	}
	lines = append(lines, "§7", fmt.Sprintf("§7Price per unit: §6%s coins", pricePerUnit.String()))
	if len(fills) > 0 {
		lines = append(lines, "§7", "§7Customers:")
		for _, f := range fills {
			who := f.Name
			if f.Rank != "" {
				who = "[" + f.Rank + "] " + f.Name
			}
			lines = append(lines, fmt.Sprintf("§8- §a%d§7x §f%s§f §819s ago", f.Amount, who))
		}
	}
	lines = append(lines, "§7", "§eClick to view options!")

	return bazaar.Tile{
		Name:        label + " §a" + item,
		Description: strings.Join(lines, "\n"),
		Tag:         bazaar.ConventionalItemID(item),
	}
}

// GoBack is the sentinel tile closing the orders section.
func GoBack() bazaar.Tile {
	return bazaar.Tile{Name: "§aGo Back", Description: "§7To Bazaar"}
}

// OrdersSnapshot wraps tiles into an orders-screen snapshot terminated by
// GoBack.
func OrdersSnapshot(tiles ...bazaar.Tile) *bazaar.Snapshot {
	return &bazaar.Snapshot{
		Title: "Your Bazaar Orders",
		Tiles: append(append([]bazaar.Tile(nil), tiles...), GoBack()),
	}
}

// ConfirmSnapshot renders an order confirmation screen.
func ConfirmSnapshot(side bazaar.Side, item string, amount int64, pricePerUnit bazaar.Tenths) *bazaar.Snapshot {
	title := "Confirm Buy Order"
	if side == bazaar.SideSell {
		title = "Confirm Sell Offer"
	}
	desc := strings.Join([]string{
		fmt.Sprintf("§7Price per unit: §6%s coins", pricePerUnit.String()),
		"",
		fmt.Sprintf("§7Order: §a%s§7x §f%s", group(amount), item),
		fmt.Sprintf("§7Total price: §6%s coins", (pricePerUnit * bazaar.Tenths(amount)).String()),
	}, "\n")
	return &bazaar.Snapshot{
		Title: title,
		Tiles: []bazaar.Tile{{Name: "§a" + title, Description: desc, Tag: bazaar.ConventionalItemID(item)}},
	}
}

func group(n int64) string {
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Ledger records appended transactions.
type Ledger struct {
	mu  sync.Mutex
	txs []bazaar.Transaction
	Err error
}

func (l *Ledger) Append(_ context.Context, txs ...bazaar.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.txs = append(l.txs, txs...)
	return nil
}

func (l *Ledger) Transactions() []bazaar.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bazaar.Transaction(nil), l.txs...)
}

// OrderBook records add and remove calls.
type OrderBook struct {
	mu      sync.Mutex
	added   []bazaar.OrderBookEntry
	removed []bazaar.OrderBookEntry
	Err     error
}

func (b *OrderBook) Add(_ context.Context, e bazaar.OrderBookEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.added = append(b.added, e)
	return nil
}

func (b *OrderBook) Remove(_ context.Context, e bazaar.OrderBookEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.removed = append(b.removed, e)
	return nil
}

func (b *OrderBook) Added() []bazaar.OrderBookEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bazaar.OrderBookEntry(nil), b.added...)
}

func (b *OrderBook) Removed() []bazaar.OrderBookEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bazaar.OrderBookEntry(nil), b.removed...)
}

// Notifier is an in-memory reminder registry with optional failures.
type Notifier struct {
	mu        sync.Mutex
	reminders map[string]bazaar.Reminder
	cancelled []string
	Err       error
}

func NewNotifier() *Notifier {
	return &Notifier{reminders: make(map[string]bazaar.Reminder)}
}

func (n *Notifier) Schedule(_ context.Context, r bazaar.Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.reminders[r.OwnerID+"/"+r.Fingerprint] = r
	return nil
}

func (n *Notifier) Cancel(_ context.Context, ownerID, fingerprint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	delete(n.reminders, ownerID+"/"+fingerprint)
	n.cancelled = append(n.cancelled, fingerprint)
	return nil
}

func (n *Notifier) List(_ context.Context, ownerID string) ([]bazaar.Reminder, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return nil, n.Err
	}
	var out []bazaar.Reminder
	for _, r := range n.reminders {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (n *Notifier) Cancelled() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.cancelled...)
}

// Resolver maps display names through a fixed table.
type Resolver map[string]string

func (r Resolver) Resolve(_ context.Context, displayName string) (string, error) {
	if id, ok := r[bazaar.StripMarkup(displayName)]; ok {
		return id, nil
	}
	return "", bazaar.ErrUnknownItem
}
