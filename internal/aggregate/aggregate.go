// Package aggregate reduces canonical records to the newest snapshot per
// ticker. It powers the latest-price view over fetched trades or quotes.
package aggregate

import (
	"sort"

	"marketdata/internal/canonical"
)

// TickerSnapshot is the newest observation for one ticker.
type TickerSnapshot struct {
	Ticker   string   `json:"ticker"`
	TS       int64    `json:"ts"`
	Price    *float64 `json:"price,omitempty"`
	Size     *int64   `json:"size,omitempty"`
	BidPrice *float64 `json:"bid_price,omitempty"`
	BidSize  *int64   `json:"bid_size,omitempty"`
	AskPrice *float64 `json:"ask_price,omitempty"`
	AskSize  *int64   `json:"ask_size,omitempty"`
}

// LatestTrades collapses trades to the newest per ticker. For equal
// timestamps, later input wins. Output is sorted by ticker.
func LatestTrades(trades []canonical.Trade) []TickerSnapshot {
	latest := make(map[string]TickerSnapshot, len(trades))
	for _, t := range trades {
		cur, ok := latest[t.Ticker]
		if ok && t.TS < cur.TS {
			continue
		}
		price, size := t.Price, t.Size
		latest[t.Ticker] = TickerSnapshot{
			Ticker: t.Ticker,
			TS:     t.TS,
			Price:  &price,
			Size:   &size,
		}
	}
	return sorted(latest)
}

// LatestQuotes collapses quotes to the newest per ticker. Absent sides stay
// nil rather than zero.
func LatestQuotes(quotes []canonical.Quote) []TickerSnapshot {
	latest := make(map[string]TickerSnapshot, len(quotes))
	for _, q := range quotes {
		cur, ok := latest[q.Ticker]
		if ok && q.TS < cur.TS {
			continue
		}
		latest[q.Ticker] = TickerSnapshot{
			Ticker:   q.Ticker,
			TS:       q.TS,
			BidPrice: q.BidPrice,
			BidSize:  q.BidSize,
			AskPrice: q.AskPrice,
			AskSize:  q.AskSize,
		}
	}
	return sorted(latest)
}

func sorted(latest map[string]TickerSnapshot) []TickerSnapshot {
	out := make([]TickerSnapshot, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}
