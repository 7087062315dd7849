// Package canonical defines the provider-agnostic market data records.
// Field names are the compatibility surface consumers depend on; they are
// identical no matter which provider produced the row.
package canonical

// Type tags a record for mixed-type transport (streaming fan-out, fetch results).
type Type string

const (
	TypeBar      Type = "bar"
	TypeTrade    Type = "trade"
	TypeQuote    Type = "quote"
	TypeDocument Type = "document"
)

// Record is any canonical row.
type Record interface {
	RecordType() Type
}

// Bar is one OHLCV aggregate. Identity is (Source, Symbol, Interval, TS);
// re-fetching the same key overwrites, it never duplicates.
type Bar struct {
	Source   string  `json:"source"`
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	TS       int64   `json:"ts"` // unix seconds, UTC
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

func (Bar) RecordType() Type { return TypeBar }

// Trade is one executed trade. Identity is (Ticker, TS, Price, Size).
// SessionEndDate is nil when the provider did not report it.
type Trade struct {
	TS             int64   `json:"ts"`
	Price          float64 `json:"price"`
	Size           int64   `json:"size"`
	Ticker         string  `json:"ticker"`
	SessionEndDate *string `json:"session_end_date"`
}

func (Trade) RecordType() Type { return TypeTrade }

// Quote is one bid/ask snapshot. Identity is (Ticker, TS).
// Nil price/size fields mean the provider omitted that side; zero is a
// valid price and must not be used as an absence marker.
type Quote struct {
	TS             int64    `json:"ts"`
	BidPrice       *float64 `json:"bid_price"`
	BidSize        *int64   `json:"bid_size"`
	AskPrice       *float64 `json:"ask_price"`
	AskSize        *int64   `json:"ask_size"`
	Ticker         string   `json:"ticker"`
	SessionEndDate *string  `json:"session_end_date"`
}

func (Quote) RecordType() Type { return TypeQuote }

// Document carries reference/metadata rows (contracts, products, schedules,
// market status, exchanges) that have no fixed canonical shape.
type Document map[string]any

func (Document) RecordType() Type { return TypeDocument }

type tradeKey struct {
	ticker string
	ts     int64
	price  float64
	size   int64
}

type quoteKey struct {
	ticker string
	ts     int64
}

// DedupeTrades drops trades already seen under the (ticker, ts, price, size)
// identity, preserving first-seen order. Overlapping paginated fetches
// produce such duplicates.
func DedupeTrades(trades []Trade) []Trade {
	seen := make(map[tradeKey]struct{}, len(trades))
	out := trades[:0:0]
	for _, tr := range trades {
		k := tradeKey{ticker: tr.Ticker, ts: tr.TS, price: tr.Price, size: tr.Size}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, tr)
	}
	return out
}

// DedupeQuotes is DedupeTrades for quotes, keyed by (ticker, ts).
func DedupeQuotes(quotes []Quote) []Quote {
	seen := make(map[quoteKey]struct{}, len(quotes))
	out := quotes[:0:0]
	for _, q := range quotes {
		k := quoteKey{ticker: q.Ticker, ts: q.TS}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, q)
	}
	return out
}

// String returns a pointer to s. Convenience for optional canonical fields.
func String(s string) *string { return &s }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Int returns a pointer to i.
func Int(i int64) *int64 { return &i }
