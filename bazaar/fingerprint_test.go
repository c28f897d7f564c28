package bazaar

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresMarkup(t *testing.T) {
	t.Parallel()

	plain := Fingerprint(SideBuy, 64, 21, "Enchanted Coal")
	marked := Fingerprint(SideBuy, 64, 21, "§aEnchanted §lCoal")

	require.Equal(t, "buy64x2.1Enchanted Coal", plain)
	require.Equal(t, plain, marked)
}

func TestFingerprintDistinguishesSideAmountAndPrice(t *testing.T) {
	t.Parallel()

	base := Fingerprint(SideBuy, 64, 21, "Coal")
	require.NotEqual(t, base, Fingerprint(SideSell, 64, 21, "Coal"))
	require.NotEqual(t, base, Fingerprint(SideBuy, 63, 21, "Coal"))
	require.NotEqual(t, base, Fingerprint(SideBuy, 64, 22, "Coal"))
}

func TestFingerprintTruncatesAt32Characters(t *testing.T) {
	t.Parallel()

	fp := Fingerprint(SideSell, 71680, 12345678, "Enchanted Lava Bucket of the Deep")
	require.Equal(t, FingerprintLength, utf8.RuneCountInString(fp))
	require.Equal(t, "sell71680x1234567.8Enchanted Lav", fp)

	// names differing only past the cut collide
	other := Fingerprint(SideSell, 71680, 12345678, "Enchanted Lava Bucket of the Sky")
	require.Equal(t, fp, other)
}

func TestStripMarkup(t *testing.T) {
	t.Parallel()

	require.Equal(t, "BUY Enchanted Coal", StripMarkup("§a§lBUY §fEnchanted Coal "))
	require.Equal(t, "plain", StripMarkup("plain"))
	require.Equal(t, "", StripMarkup("§"))
}

func TestConventionalItemID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ENCHANTED_COAL", ConventionalItemID("§fEnchanted Coal"))
	require.Equal(t, "JACOB_S_TICKET", ConventionalItemID("Jacob's Ticket"))
}

func TestOfferAccounting(t *testing.T) {
	t.Parallel()

	offer := Offer{
		Side:         SideBuy,
		ItemName:     "Enchanted Coal",
		Amount:       64,
		PricePerUnit: 21,
		Fills: []Fill{
			{Amount: 10, Counterparty: "Steve"},
			{Amount: 22, Counterparty: "Alex"},
		},
	}

	require.Equal(t, Tenths(1344), offer.Total())
	require.Equal(t, int64(32), offer.FilledAmount())
	require.Equal(t, Tenths(672), offer.RemainingTotal())
	require.Equal(t, "Steve", offer.FirstCounterparty())

	clone := offer.Clone()
	clone.Fills[0].Counterparty = "Notch"
	require.Equal(t, "Steve", offer.Fills[0].Counterparty)
}

func TestCostLotProportionalCost(t *testing.T) {
	t.Parallel()

	lot := CostLot{Amount: 3, Remaining: 3, TotalCost: 100}
	require.Equal(t, Tenths(33), lot.CostFor(1))
	require.Equal(t, Tenths(66), lot.CostFor(2))
	require.Equal(t, Tenths(100), lot.CostFor(3))
}

func TestTxFlagString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "receive|coins", (TxReceive | TxCoins).String())
	require.Equal(t, "remove|item", (TxRemove | TxItem).String())
	require.Equal(t, "none", TxFlag(0).String())
}
