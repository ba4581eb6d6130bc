package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func entry(pair string, usd int64) MarketEntry {
	return MarketEntry{PairID: pair, USDVolume: decimal.NewFromInt(usd)}
}

func TestMarketTableOrdersByUSDVolume(t *testing.T) {
	table := NewMarketTable([]MarketEntry{
		entry("ETH-BTC", 10),
		entry("BTC-USDT", 500),
		entry("XRP-USDT", 10),
	})

	got := table.PairIDs()
	want := []string{"BTC-USDT", "ETH-BTC", "XRP-USDT"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMarketTableDropsDuplicatePairs(t *testing.T) {
	table := NewMarketTable([]MarketEntry{
		entry("BTC-USDT", 500),
		entry("ETH-USDT", 100),
		entry("BTC-USDT", 900),
	})

	ids := table.PairIDs()
	if len(ids) != 2 || ids[0] != "BTC-USDT" || ids[1] != "ETH-USDT" {
		t.Fatalf("unexpected pairs %v", ids)
	}
	row, _ := table.Get("BTC-USDT")
	if !row.USDVolume.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("first row should win, got %s", row.USDVolume)
	}
}

func TestMarketTableGet(t *testing.T) {
	table := NewMarketTable([]MarketEntry{entry("BTC-USDT", 500)})

	e, ok := table.Get("BTC-USDT")
	if !ok || !e.USDVolume.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected lookup: %+v %v", e, ok)
	}
	if _, ok := table.Get("DOGE-USDT"); ok {
		t.Fatalf("missing pair reported present")
	}

	var empty *MarketTable
	if empty.Len() != 0 || empty.PairIDs() != nil {
		t.Fatalf("nil table should be empty")
	}
}

func TestMarketTableEntriesIsCopy(t *testing.T) {
	table := NewMarketTable([]MarketEntry{entry("BTC-USDT", 500)})
	rows := table.Entries()
	rows[0].PairID = "changed"

	if _, ok := table.Get("BTC-USDT"); !ok || table.PairIDs()[0] != "BTC-USDT" {
		t.Fatalf("table mutated through Entries")
	}
}
