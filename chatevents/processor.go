// Package chatevents applies bazaar chat lines to an owner's offers, the
// profit tracker and the auxiliary ledger, order book and reminder services.
package chatevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/besteffort"
	"github.com/recomma/flipledger/metrics"
	"github.com/recomma/flipledger/offerstore"
	"github.com/recomma/flipledger/profit"
	"github.com/recomma/flipledger/ttlcache"
)

const (
	// DefaultReminderDelay is how long after setup an order expiry reminder fires.
	DefaultReminderDelay = 7 * 24 * time.Hour
	// DefaultRoundingThreshold is the listing total above which the chat
	// rounds prices and the confirm screen is consulted.
	DefaultRoundingThreshold bazaar.Tenths = 100_000
	// recoveryTolerance bounds the relative difference between the chat
	// total and a recovered confirm-screen total.
	recoveryTolerance = 0.05
)

// SellTaxRate is the fee the bazaar withholds from sell offers.
var SellTaxRate = decimal.RequireFromString("0.01125")

// Result labels recorded per processed line.
const (
	ResultApplied   = "applied"
	ResultUnmatched = "unmatched"
	ResultDropped   = "dropped"
	ResultIgnored   = "ignored"
	ResultMalformed = "malformed"
)

// Session is the per-owner state a line is applied to.
type Session struct {
	OwnerID string
	Offers  *offerstore.Store
	// Confirm is the most recent confirmation screen, if any.
	Confirm    *bazaar.Snapshot
	ReceivedAt time.Time
}

// Outcome describes what one line changed.
type Outcome struct {
	Event  Event
	Result string
	// Offer is the offer created, updated or removed by the line.
	Offer *bazaar.Offer
	// Created is the sell offer synthesized by a flip.
	Created *bazaar.Offer
	Lot     *bazaar.CostLot
	Flip    *bazaar.Flip
	Aux     []besteffort.Result
	// StorageErr holds a failed durable lot or flip write.
	StorageErr error
}

type Processor struct {
	tracker   *profit.Tracker
	vanishing *ttlcache.Cache
	recent    *ttlcache.Cache

	ledger    bazaar.Ledger
	orderBook bazaar.OrderBook
	notifier  bazaar.Notifier
	resolver  bazaar.ItemResolver
	metrics   *metrics.Recorder

	reminderDelay     time.Duration
	roundingThreshold bazaar.Tenths
	logger            *slog.Logger
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithLedger(l bazaar.Ledger) Option {
	return func(p *Processor) { p.ledger = l }
}

func WithOrderBook(b bazaar.OrderBook) Option {
	return func(p *Processor) { p.orderBook = b }
}

func WithNotifier(n bazaar.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

func WithResolver(r bazaar.ItemResolver) Option {
	return func(p *Processor) { p.resolver = r }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithReminderDelay(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.reminderDelay = d
		}
	}
}

func WithRoundingThreshold(t bazaar.Tenths) Option {
	return func(p *Processor) {
		if t > 0 {
			p.roundingThreshold = t
		}
	}
}

// New returns a processor. vanishing and recent may be nil, which disables
// the corresponding fallback.
func New(tracker *profit.Tracker, vanishing, recent *ttlcache.Cache, opts ...Option) *Processor {
	p := &Processor{
		tracker:           tracker,
		vanishing:         vanishing,
		recent:            recent,
		reminderDelay:     DefaultReminderDelay,
		roundingThreshold: DefaultRoundingThreshold,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithGroup("chatevents")
	return p
}

// Process applies one chat line to sess. Lines that are not bazaar events
// are ignored. Failures of auxiliary services and durable writes are logged
// and reported on the Outcome; only a missing owner or offer store is
// returned as an error.
func (p *Processor) Process(ctx context.Context, sess Session, line string) (Outcome, error) {
	if sess.OwnerID == "" {
		return Outcome{}, bazaar.ErrMissingOwner
	}
	if sess.Offers == nil {
		return Outcome{}, errors.New("chatevents: session has no offer store")
	}

	ev, ok := Parse(line)
	out := Outcome{Event: ev}
	if !ok {
		out.Result = ResultIgnored
		if ev.Kind != KindNone {
			out.Result = ResultMalformed
			p.logger.WarnContext(ctx, "unparseable bazaar line",
				slog.String("owner", sess.OwnerID),
				slog.String("kind", ev.Kind.String()),
				slog.String("line", bazaar.StripMarkup(line)),
			)
			p.metrics.ChatEvent(ev.Kind.String(), out.Result)
		}
		return out, nil
	}

	switch ev.Kind {
	case KindSetup:
		p.setup(ctx, sess, &out)
	case KindFilled:
		p.filled(ctx, sess, &out)
	case KindCancelled:
		p.cancelled(ctx, sess, &out)
	case KindClaimed:
		if ev.Side == bazaar.SideBuy {
			p.claimedBuy(ctx, sess, &out)
		} else {
			p.claimedSell(ctx, sess, &out)
		}
	case KindFlipped:
		p.flipped(ctx, sess, &out)
	case KindInsta:
		p.insta(ctx, sess, &out)
	}

	p.metrics.ChatEvent(ev.Kind.String(), out.Result)
	return out, nil
}

func (p *Processor) setup(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	total := ev.Total
	if total > p.roundingThreshold {
		if recovered, ok := RecoverTotal(sess.Confirm, ev.Item, ev.Amount); ok && withinTolerance(total, recovered) {
			total = recovered
		}
	}
	if ev.Side == bazaar.SideSell {
		total = InflateForTax(total)
	}

	itemID := p.itemID(ctx, sess, ev.Item, out)
	offer := bazaar.Offer{
		Side:         ev.Side,
		ItemName:     ev.Item,
		ItemTag:      itemID,
		Amount:       ev.Amount,
		PricePerUnit: bazaar.UnitPrice(total, ev.Amount),
		CreatedAt:    sess.ReceivedAt,
	}
	sess.Offers.Add(offer)
	out.Offer = &offer
	out.Result = ResultApplied

	if ev.Side == bazaar.SideSell {
		p.appendLedger(ctx, out, bazaar.Transaction{
			OwnerID: sess.OwnerID, ItemID: itemID, Amount: ev.Amount,
			Flags: bazaar.TxRemove | bazaar.TxItem, Timestamp: sess.ReceivedAt,
		})
	} else {
		p.appendLedger(ctx, out, bazaar.Transaction{
			OwnerID: sess.OwnerID, ItemID: bazaar.CoinsItemID, Amount: int64(total),
			Flags: bazaar.TxRemove | bazaar.TxCoins, Timestamp: sess.ReceivedAt,
		})
	}
	p.scheduleReminder(ctx, sess, offer, out)
	p.publish(ctx, sess, offer, out)

	p.logger.InfoContext(ctx, "order listed",
		slog.String("owner", sess.OwnerID),
		slog.String("side", offer.Side.String()),
		slog.String("item", offer.ItemName),
		slog.Int64("amount", offer.Amount),
		slog.String("price_per_unit", offer.PricePerUnit.String()),
	)
}

func (p *Processor) filled(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	offer, ok := sess.Offers.Update(offerstore.Match(ev.Side, ev.Item, ev.Amount), func(o *bazaar.Offer) {
		if open := o.Amount - o.FilledAmount(); open > 0 {
			o.Fills = append(o.Fills, bazaar.Fill{Amount: open, Timestamp: sess.ReceivedAt})
		}
	})
	if !ok {
		p.unmatched(ctx, sess, out)
		return
	}
	out.Offer = &offer
	out.Result = ResultApplied
	p.withdraw(ctx, sess, offer, out)
}

func (p *Processor) cancelled(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event

	var (
		offer bazaar.Offer
		ok    bool
	)
	if ev.CoinRefund {
		offer, ok = sess.Offers.Remove(func(o bazaar.Offer) bool {
			return o.Side == ev.Side && o.RemainingTotal() == ev.Total
		})
		if !ok {
			offer, ok = sess.Offers.Remove(offerstore.MatchTotal(ev.Side, "", ev.Total))
		}
	} else {
		offer, ok = sess.Offers.Remove(offerstore.Match(ev.Side, ev.Item, ev.Amount))
		if !ok {
			offer, ok = sess.Offers.Remove(func(o bazaar.Offer) bool {
				return o.Side == ev.Side && bazaar.SameItem(o.ItemName, ev.Item) && o.Amount-o.FilledAmount() == ev.Amount
			})
		}
	}

	if ev.CoinRefund {
		p.appendLedger(ctx, out, bazaar.Transaction{
			OwnerID: sess.OwnerID, ItemID: bazaar.CoinsItemID, Amount: int64(ev.Total),
			Flags: bazaar.TxReceive | bazaar.TxCoins, Timestamp: sess.ReceivedAt,
		})
	} else {
		itemID := offer.ItemTag
		if !ok || itemID == "" {
			itemID = p.itemID(ctx, sess, ev.Item, out)
		}
		p.appendLedger(ctx, out, bazaar.Transaction{
			OwnerID: sess.OwnerID, ItemID: itemID, Amount: ev.Amount,
			Flags: bazaar.TxReceive | bazaar.TxItem, Timestamp: sess.ReceivedAt,
		})
	}

	if !ok {
		p.unmatched(ctx, sess, out)
		return
	}
	out.Offer = &offer
	out.Result = ResultApplied
	p.withdraw(ctx, sess, offer, out)
	p.cancelReminder(ctx, sess, offer, out)
}

func (p *Processor) claimedBuy(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	itemID := p.itemID(ctx, sess, ev.Item, out)

	lot, err := p.tracker.RecordBuyOrder(ctx, sess.OwnerID, itemID, ev.Amount, ev.Total, sess.ReceivedAt)
	if err != nil {
		p.storageFailure(ctx, sess, "record buy order", err, out)
	} else {
		out.Lot = &lot
		p.metrics.Lot()
	}
	if p.recent != nil {
		p.recent.Set(ttlcache.NewKey(sess.OwnerID, ev.Item, ev.Amount), ev.Total)
	}

	p.appendLedger(ctx, out, bazaar.Transaction{
		OwnerID: sess.OwnerID, ItemID: itemID, Amount: ev.Amount,
		Flags: bazaar.TxReceive | bazaar.TxItem, Timestamp: sess.ReceivedAt,
	})
	p.claimOffer(ctx, sess, out)
}

func (p *Processor) claimedSell(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	itemID := p.itemID(ctx, sess, ev.Item, out)

	flip, err := p.tracker.RecordSellOrder(ctx, sess.OwnerID, itemID, ev.Item, ev.Amount, ev.Total, sess.ReceivedAt)
	switch {
	case err != nil:
		p.storageFailure(ctx, sess, "record sell order", err, out)
	case flip != nil:
		out.Flip = flip
		p.metrics.Flip(flip.Profit)
	}

	p.appendLedger(ctx, out, bazaar.Transaction{
		OwnerID: sess.OwnerID, ItemID: bazaar.CoinsItemID, Amount: int64(ev.Total),
		Flags: bazaar.TxReceive | bazaar.TxCoins, Timestamp: sess.ReceivedAt,
	})
	p.claimOffer(ctx, sess, out)
}

// claimOffer removes the offer a claim refers to, by amount first and by
// unit price for partial claims.
func (p *Processor) claimOffer(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	offer, ok := sess.Offers.Remove(offerstore.Match(ev.Side, ev.Item, ev.Amount))
	if !ok && ev.PricePerUnit > 0 {
		samePrice := func(o bazaar.Offer) bool {
			return o.Side == ev.Side && bazaar.SameItem(o.ItemName, ev.Item) && o.PricePerUnit == ev.PricePerUnit
		}
		offer, ok = sess.Offers.Remove(func(o bazaar.Offer) bool {
			return samePrice(o) && ev.Amount >= o.Amount
		})
		if !ok {
			if open, partial := sess.Offers.Find(samePrice); partial {
				// Part of the order is still open; the next snapshot settles it.
				out.Result = ResultApplied
				p.logger.DebugContext(ctx, "partial claim keeps offer open",
					slog.String("owner", sess.OwnerID),
					slog.String("item", ev.Item),
					slog.Int64("claimed", ev.Amount),
					slog.Int64("amount", open.Amount),
				)
				return
			}
		}
	}
	if !ok {
		// the lot and flip are recorded regardless
		out.Result = ResultApplied
		p.logger.DebugContext(ctx, "claimed order not in store",
			slog.String("owner", sess.OwnerID),
			slog.String("item", ev.Item),
			slog.Int64("amount", ev.Amount),
		)
		return
	}
	out.Offer = &offer
	out.Result = ResultApplied
	p.withdraw(ctx, sess, offer, out)
	p.cancelReminder(ctx, sess, offer, out)
}

func (p *Processor) flipped(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	key := ttlcache.NewKey(sess.OwnerID, ev.Item, ev.Amount)

	var (
		cost       bazaar.Tenths
		source     string
		recordsLot = true
	)
	buy, found := sess.Offers.Remove(offerstore.Match(bazaar.SideBuy, ev.Item, ev.Amount))
	if found {
		cost, source = buy.Total(), "offer"
	} else if entry, ok := p.take(p.vanishing, key, "vanishing"); ok {
		cost, source = entry.Price, "vanishing"
	} else if entry, ok := p.get(p.recent, key, "recent_fill"); ok {
		cost, source, recordsLot = entry.Price, "recent_fill", false
	} else {
		out.Result = ResultDropped
		p.logger.WarnContext(ctx, "flip without known buy order dropped",
			slog.String("owner", sess.OwnerID),
			slog.String("item", ev.Item),
			slog.Int64("amount", ev.Amount),
		)
		return
	}

	itemID := p.itemID(ctx, sess, ev.Item, out)
	if found && buy.ItemTag != "" {
		itemID = buy.ItemTag
	}

	if recordsLot {
		lot, err := p.tracker.RecordBuyOrder(ctx, sess.OwnerID, itemID, ev.Amount, cost, sess.ReceivedAt)
		if err != nil {
			p.storageFailure(ctx, sess, "record flipped buy order", err, out)
		} else {
			out.Lot = &lot
			p.metrics.Lot()
		}
	}

	sell := bazaar.Offer{
		Side:         bazaar.SideSell,
		ItemName:     ev.Item,
		ItemTag:      itemID,
		Amount:       ev.Amount,
		PricePerUnit: bazaar.UnitPrice(cost+ev.Profit, ev.Amount),
		CreatedAt:    sess.ReceivedAt,
	}
	sess.Offers.Add(sell)
	out.Created = &sell
	out.Result = ResultApplied

	if found {
		out.Offer = &buy
		p.withdraw(ctx, sess, buy, out)
		p.cancelReminder(ctx, sess, buy, out)
	}
	p.scheduleReminder(ctx, sess, sell, out)
	p.publish(ctx, sess, sell, out)

	p.logger.InfoContext(ctx, "order flipped",
		slog.String("owner", sess.OwnerID),
		slog.String("item", ev.Item),
		slog.Int64("amount", ev.Amount),
		slog.String("cost", cost.String()),
		slog.String("expected_profit", ev.Profit.String()),
		slog.String("source", source),
	)
}

func (p *Processor) insta(ctx context.Context, sess Session, out *Outcome) {
	ev := out.Event
	itemID := p.itemID(ctx, sess, ev.Item, out)

	item := bazaar.Transaction{OwnerID: sess.OwnerID, ItemID: itemID, Amount: ev.Amount, Timestamp: sess.ReceivedAt}
	coins := bazaar.Transaction{OwnerID: sess.OwnerID, ItemID: bazaar.CoinsItemID, Amount: int64(ev.Total), Timestamp: sess.ReceivedAt}
	if ev.Side == bazaar.SideBuy {
		item.Flags = bazaar.TxReceive | bazaar.TxItem
		coins.Flags = bazaar.TxRemove | bazaar.TxCoins
	} else {
		item.Flags = bazaar.TxRemove | bazaar.TxItem
		coins.Flags = bazaar.TxReceive | bazaar.TxCoins
	}
	p.appendLedger(ctx, out, item, coins)
	out.Result = ResultApplied
}

func (p *Processor) unmatched(ctx context.Context, sess Session, out *Outcome) {
	out.Result = ResultUnmatched
	p.logger.WarnContext(ctx, "no offer matches bazaar event",
		slog.String("owner", sess.OwnerID),
		slog.String("kind", out.Event.Kind.String()),
		slog.String("side", out.Event.Side.String()),
		slog.String("item", out.Event.Item),
		slog.Int64("amount", out.Event.Amount),
	)
}

func (p *Processor) storageFailure(ctx context.Context, sess Session, what string, err error, out *Outcome) {
	out.StorageErr = errors.Join(out.StorageErr, fmt.Errorf("%s: %w", what, err))
	p.logger.ErrorContext(ctx, "could not "+what,
		slog.String("owner", sess.OwnerID),
		slog.String("item", out.Event.Item),
		slog.String("error", err.Error()),
	)
}

func (p *Processor) take(c *ttlcache.Cache, key ttlcache.Key, name string) (ttlcache.Entry, bool) {
	if c == nil {
		return ttlcache.Entry{}, false
	}
	entry, ok := c.Take(key)
	p.metrics.CacheLookup(name, ok)
	return entry, ok
}

func (p *Processor) get(c *ttlcache.Cache, key ttlcache.Key, name string) (ttlcache.Entry, bool) {
	if c == nil {
		return ttlcache.Entry{}, false
	}
	entry, ok := c.Get(key)
	p.metrics.CacheLookup(name, ok)
	return entry, ok
}

// itemID resolves a display name: a tag already known from the owner's
// offers, then the resolver, then the conventional id.
func (p *Processor) itemID(ctx context.Context, sess Session, name string, out *Outcome) string {
	if known, ok := sess.Offers.Find(func(o bazaar.Offer) bool {
		return o.ItemTag != "" && bazaar.SameItem(o.ItemName, name)
	}); ok {
		return known.ItemTag
	}
	if p.resolver != nil {
		var id string
		res := p.auxiliary(ctx, out, "items.resolve", func(ctx context.Context) error {
			var err error
			id, err = p.resolver.Resolve(ctx, name)
			return err
		})
		if res.OK() && id != "" {
			return id
		}
	}
	return bazaar.ConventionalItemID(name)
}

func (p *Processor) appendLedger(ctx context.Context, out *Outcome, txs ...bazaar.Transaction) {
	if p.ledger == nil {
		return
	}
	p.auxiliary(ctx, out, "ledger.append", func(ctx context.Context) error {
		return p.ledger.Append(ctx, txs...)
	})
}

func (p *Processor) publish(ctx context.Context, sess Session, offer bazaar.Offer, out *Outcome) {
	if p.orderBook == nil {
		return
	}
	entry := entryFor(sess, offer)
	p.auxiliary(ctx, out, "orderbook.add", func(ctx context.Context) error {
		return p.orderBook.Add(ctx, entry)
	})
}

func (p *Processor) withdraw(ctx context.Context, sess Session, offer bazaar.Offer, out *Outcome) {
	if p.orderBook == nil {
		return
	}
	entry := entryFor(sess, offer)
	p.auxiliary(ctx, out, "orderbook.remove", func(ctx context.Context) error {
		return p.orderBook.Remove(ctx, entry)
	})
}

func (p *Processor) scheduleReminder(ctx context.Context, sess Session, offer bazaar.Offer, out *Outcome) {
	if p.notifier == nil {
		return
	}
	reminder := bazaar.Reminder{
		OwnerID:     sess.OwnerID,
		Fingerprint: offer.Fingerprint(),
		Message:     fmt.Sprintf("Your %s for %dx %s expires soon", offer.Side.Label(), offer.Amount, bazaar.StripMarkup(offer.ItemName)),
		At:          sess.ReceivedAt.Add(p.reminderDelay),
	}
	p.auxiliary(ctx, out, "notify.schedule", func(ctx context.Context) error {
		return p.notifier.Schedule(ctx, reminder)
	})
}

func (p *Processor) cancelReminder(ctx context.Context, sess Session, offer bazaar.Offer, out *Outcome) {
	if p.notifier == nil {
		return
	}
	fp := offer.Fingerprint()
	p.auxiliary(ctx, out, "notify.cancel", func(ctx context.Context) error {
		return p.notifier.Cancel(ctx, sess.OwnerID, fp)
	})
}

func (p *Processor) auxiliary(ctx context.Context, out *Outcome, op string, fn func(context.Context) error) besteffort.Result {
	res := besteffort.Do(ctx, p.logger, op, fn)
	if !res.OK() {
		p.metrics.BestEffortFailure(op)
	}
	out.Aux = append(out.Aux, res)
	return res
}

func entryFor(sess Session, offer bazaar.Offer) bazaar.OrderBookEntry {
	itemID := offer.ItemTag
	if itemID == "" {
		itemID = bazaar.ConventionalItemID(offer.ItemName)
	}
	return bazaar.OrderBookEntry{
		ItemID:       itemID,
		Side:         offer.Side,
		PricePerUnit: offer.PricePerUnit,
		Amount:       offer.Amount,
		OwnerID:      sess.OwnerID,
		Timestamp:    sess.ReceivedAt,
	}
}

// InflateForTax converts the net proceeds of a sell listing into the gross
// listing total the order screen shows.
func InflateForTax(net bazaar.Tenths) bazaar.Tenths {
	gross := net.Decimal().Div(decimal.NewFromInt(1).Sub(SellTaxRate))
	return bazaar.TenthsFromDecimal(gross)
}

// RecoverTotal reads the exact listing total for item from a confirmation
// screen, preferring the unit price line over the rounded total line.
func RecoverTotal(confirm *bazaar.Snapshot, item string, amount int64) (bazaar.Tenths, bool) {
	if !confirm.IsConfirmScreen() {
		return 0, false
	}
	item = bazaar.StripMarkup(item)
	for _, tile := range confirm.Tiles {
		desc := bazaar.StripMarkup(tile.Description)
		if !strings.Contains(desc, item) && !strings.Contains(bazaar.StripMarkup(tile.Name), item) {
			continue
		}
		var unit, total bazaar.Tenths
		for _, line := range strings.Split(desc, "\n") {
			line = strings.TrimSpace(line)
			if m := confirmUnitRe.FindStringSubmatch(line); m != nil {
				unit = bazaar.ParseCoins(m[1])
			}
			if m := confirmTotalRe.FindStringSubmatch(line); m != nil {
				total = bazaar.ParseCoins(m[1])
			}
		}
		switch {
		case unit > 0:
			return unit * bazaar.Tenths(amount), true
		case total > 0:
			return total, true
		}
	}
	return 0, false
}

func withinTolerance(shown, recovered bazaar.Tenths) bool {
	if shown <= 0 || recovered <= 0 {
		return false
	}
	diff := float64(shown - recovered)
	if diff < 0 {
		diff = -diff
	}
	return diff/float64(shown) <= recoveryTolerance
}
