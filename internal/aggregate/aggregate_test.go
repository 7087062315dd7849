package aggregate

import (
	"testing"

	"marketdata/internal/canonical"
)

func TestLatestTrades_NewestWinsPerTicker(t *testing.T) {
	in := []canonical.Trade{
		{Ticker: "ESZ4", TS: 1734484219, Price: 6054.00, Size: 12},
		{Ticker: "ESZ4", TS: 1734484225, Price: 6054.25, Size: 3},
		{Ticker: "NQZ4", TS: 1734484220, Price: 21800.50, Size: 1},
	}

	out := LatestTrades(in)
	if len(out) != 2 {
		t.Fatalf("want 2 rows, got %d: %+v", len(out), out)
	}
	if out[0].Ticker != "ESZ4" || out[0].TS != 1734484225 || *out[0].Price != 6054.25 {
		t.Fatalf("unexpected ESZ4 snapshot: %+v", out[0])
	}
	if out[1].Ticker != "NQZ4" || *out[1].Size != 1 {
		t.Fatalf("unexpected NQZ4 snapshot: %+v", out[1])
	}
}

func TestLatestTrades_EqualTimestampLaterInputWins(t *testing.T) {
	in := []canonical.Trade{
		{Ticker: "ESZ4", TS: 1734484219, Price: 6054.00, Size: 12},
		{Ticker: "ESZ4", TS: 1734484219, Price: 6054.50, Size: 5},
	}

	out := LatestTrades(in)
	if len(out) != 1 || *out[0].Price != 6054.50 {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestLatestQuotes_NilSidesPreserved(t *testing.T) {
	bid := 6054.0
	in := []canonical.Quote{
		{Ticker: "ESZ4", TS: 1734484219, BidPrice: &bid},
	}

	out := LatestQuotes(in)
	if len(out) != 1 {
		t.Fatalf("want 1 row, got %d", len(out))
	}
	if out[0].BidPrice == nil || *out[0].BidPrice != 6054.0 {
		t.Fatalf("bid price lost: %+v", out[0])
	}
	if out[0].AskPrice != nil || out[0].AskSize != nil {
		t.Fatalf("absent sides must stay nil: %+v", out[0])
	}
}
