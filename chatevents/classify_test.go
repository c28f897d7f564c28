package chatevents

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/recomma/flipledger/bazaar"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want Kind
	}{
		{"§6[Bazaar] §r§7Buy Order Setup! §r§a64§r§7x §r§fEnchanted Coal§r§7 for §r§6134.4 coins§r§7.", KindSetup},
		{"[Bazaar] Your Sell Offer for 64x Wheat was filled!", KindFilled},
		{"[Bazaar] Cancelled! Refunded 134.4 coins from cancelling Buy Order!", KindCancelled},
		{"[Bazaar] Claimed 64x Enchanted Coal worth 134.4 coins bought for 2.1 each!", KindClaimed},
		{"[Bazaar] Order Flipped! 64x Enchanted Coal for 307.2 coins of total expected profit 172.8 coins.", KindFlipped},
		{"[Bazaar] Bought 64x Wheat for 300 coins!", KindInsta},
		{"[Bazaar] Sold 64x Wheat for 300 coins!", KindInsta},
		{"Claimed 64x Coal worth 1 coins bought for 1 each!", KindNone},
		{"[Bazaar] Putting goods in escrow...", KindNone},
		{"[bazaar] buy order setup! 1x coal for 1 coins", KindNone},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.line), tt.line)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want Event
	}{
		{
			line: "§6[Bazaar] §r§7Buy Order Setup! §r§a1,024§r§7x §r§fEnchanted Coal§r§7 for §r§61.5k coins§r§7.",
			want: Event{Kind: KindSetup, Side: bazaar.SideBuy, Item: "Enchanted Coal", Amount: 1024, Total: 15000},
		},
		{
			line: "[Bazaar] Your Buy Order for 64x Enchanted Coal was filled!",
			want: Event{Kind: KindFilled, Side: bazaar.SideBuy, Item: "Enchanted Coal", Amount: 64},
		},
		{
			line: "[Bazaar] Cancelled! Refunded 134.4 coins from cancelling Buy Order!",
			want: Event{Kind: KindCancelled, Side: bazaar.SideBuy, Total: 1344, CoinRefund: true},
		},
		{
			line: "[Bazaar] Cancelled! Refunded 32x Wheat from cancelling Sell Offer!",
			want: Event{Kind: KindCancelled, Side: bazaar.SideSell, Item: "Wheat", Amount: 32},
		},
		{
			line: "[Bazaar] Claimed 64x Enchanted Coal worth 134.4 coins bought for 2.1 each!",
			want: Event{Kind: KindClaimed, Side: bazaar.SideBuy, Item: "Enchanted Coal", Amount: 64, Total: 1344, PricePerUnit: 21},
		},
		{
			line: "[Bazaar] Claimed 307.2 coins from selling 64x Enchanted Coal at 4.8 each!",
			want: Event{Kind: KindClaimed, Side: bazaar.SideSell, Item: "Enchanted Coal", Amount: 64, Total: 3072, PricePerUnit: 48},
		},
		{
			line: "[Bazaar] Order Flipped! 64x Enchanted Coal for 307.2 coins of total expected profit 172.8 coins.",
			want: Event{Kind: KindFlipped, Side: bazaar.SideBuy, Item: "Enchanted Coal", Amount: 64, Total: 3072, Profit: 1728},
		},
		{
			line: "[Bazaar] Order Flipped! 64x Enchanted Coal for 100 coins of total expected profit -34.4 coins.",
			want: Event{Kind: KindFlipped, Side: bazaar.SideBuy, Item: "Enchanted Coal", Amount: 64, Total: 1000, Profit: -344},
		},
		{
			line: "[Bazaar] Sold 2M x Wheat for 1M coins!",
			want: Event{Kind: KindInsta},
		},
		{
			line: "[Bazaar] Sold 64x Wheat for 1.2M coins!",
			want: Event{Kind: KindInsta, Side: bazaar.SideSell, Item: "Wheat", Amount: 64, Total: 12_000_000},
		},
	}
	for _, tt := range tests {
		got, _ := Parse(tt.line)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"[Bazaar] Buy Order Setup! lots of Coal",
		"[Bazaar] Your Buy Order for x Coal was filled!",
		"[Bazaar] Claimed something",
		"hello there",
	} {
		_, ok := Parse(line)
		require.False(t, ok, line)
	}
}

func TestInflateForTax(t *testing.T) {
	t.Parallel()

	// 303.7 coins net is a 307.2 coin listing
	require.EqualValues(t, 3072, InflateForTax(3037))
	require.EqualValues(t, 0, InflateForTax(0))
}

func TestRecoverTotal(t *testing.T) {
	t.Parallel()

	confirm := &bazaar.Snapshot{
		Title: "Confirm Buy Order",
		Tiles: []bazaar.Tile{{
			Name:        "§aConfirm Buy Order",
			Description: "§7Price per unit: §61,234.5 coins\n\n§7Order: §a10§7x §fEnchanted Diamond\n§7Total price: §612.3k coins",
		}},
	}
	total, ok := RecoverTotal(confirm, "Enchanted Diamond", 10)
	require.True(t, ok)
	require.EqualValues(t, 123_450, total)

	_, ok = RecoverTotal(confirm, "Wheat", 10)
	require.False(t, ok)

	_, ok = RecoverTotal(&bazaar.Snapshot{Title: "Your Bazaar Orders"}, "Enchanted Diamond", 10)
	require.False(t, ok)

	_, ok = RecoverTotal(nil, "Enchanted Diamond", 10)
	require.False(t, ok)
}
