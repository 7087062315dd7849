package massive

import (
	"encoding/json"
	"strings"

	"marketdata/internal/canonical"
	"marketdata/internal/fetcherr"
	"marketdata/internal/provider"
)

// Timestamps arrive in nanoseconds; tolerate milliseconds and seconds so a
// provider-side unit change degrades to a schema-visible value, not a
// silently wrong epoch.
func toUnixSeconds(v int64) int64 {
	switch {
	case v > 1e15: // nanoseconds
		return v / 1_000_000_000
	case v > 1e11: // milliseconds
		return v / 1_000
	default:
		return v
	}
}

// appendNormalized maps one page of raw results onto the result's canonical
// slice for the endpoint type and returns how many records were added.
func appendNormalized(res *provider.Result, req provider.Request, results []map[string]any) (int, error) {
	switch req.Endpoint {
	case provider.EndpointAggs:
		bars, err := normalizeAggs(results, req.Params["ticker"], req.Params["resolution"])
		if err != nil {
			return 0, err
		}
		res.Bars = append(res.Bars, bars...)
		return len(bars), nil
	case provider.EndpointTrades:
		trades, err := normalizeTrades(results, req.Params["ticker"])
		if err != nil {
			return 0, err
		}
		res.Trades = append(res.Trades, trades...)
		return len(trades), nil
	case provider.EndpointQuotes:
		quotes, err := normalizeQuotes(results, req.Params["ticker"])
		if err != nil {
			return 0, err
		}
		res.Quotes = append(res.Quotes, quotes...)
		return len(quotes), nil
	default:
		// reference data keeps the provider's document shape
		for _, item := range results {
			res.Documents = append(res.Documents, canonical.Document(item))
		}
		return len(results), nil
	}
}

func normalizeAggs(results []map[string]any, ticker, resolution string) ([]canonical.Bar, error) {
	bars := make([]canonical.Bar, 0, len(results))
	for i, item := range results {
		ts, err := intField(item, "window_start")
		if err != nil {
			return nil, fetcherr.Schema(Name, "aggs[%d]: %v", i, err)
		}
		bar := canonical.Bar{
			Source:   Name,
			Symbol:   strField(item, "ticker", ticker),
			Interval: resolution,
			TS:       toUnixSeconds(ts),
		}
		for _, f := range []struct {
			key string
			dst *float64
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		} {
			v, err := floatField(item, f.key)
			if err != nil {
				return nil, fetcherr.Schema(Name, "aggs[%d]: %v", i, err)
			}
			*f.dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func normalizeTrades(results []map[string]any, ticker string) ([]canonical.Trade, error) {
	trades := make([]canonical.Trade, 0, len(results))
	for i, item := range results {
		ts, err := intField(item, "timestamp")
		if err != nil {
			return nil, fetcherr.Schema(Name, "trades[%d]: %v", i, err)
		}
		price, err := floatField(item, "price")
		if err != nil {
			return nil, fetcherr.Schema(Name, "trades[%d]: %v", i, err)
		}
		size, err := intField(item, "size")
		if err != nil {
			return nil, fetcherr.Schema(Name, "trades[%d]: %v", i, err)
		}
		trades = append(trades, canonical.Trade{
			TS:             toUnixSeconds(ts),
			Price:          price,
			Size:           size,
			Ticker:         strField(item, "ticker", ticker),
			SessionEndDate: optStrField(item, "session_end_date"),
		})
	}
	return trades, nil
}

func normalizeQuotes(results []map[string]any, ticker string) ([]canonical.Quote, error) {
	quotes := make([]canonical.Quote, 0, len(results))
	for i, item := range results {
		ts, err := intField(item, "timestamp")
		if err != nil {
			return nil, fetcherr.Schema(Name, "quotes[%d]: %v", i, err)
		}
		q := canonical.Quote{
			TS:             toUnixSeconds(ts),
			Ticker:         strField(item, "ticker", ticker),
			SessionEndDate: optStrField(item, "session_end_date"),
		}
		var err2 error
		if q.BidPrice, err2 = optFloatField(item, "bid_price"); err2 != nil {
			return nil, fetcherr.Schema(Name, "quotes[%d]: %v", i, err2)
		}
		if q.BidSize, err2 = optIntField(item, "bid_size"); err2 != nil {
			return nil, fetcherr.Schema(Name, "quotes[%d]: %v", i, err2)
		}
		if q.AskPrice, err2 = optFloatField(item, "ask_price"); err2 != nil {
			return nil, fetcherr.Schema(Name, "quotes[%d]: %v", i, err2)
		}
		if q.AskSize, err2 = optIntField(item, "ask_size"); err2 != nil {
			return nil, fetcherr.Schema(Name, "quotes[%d]: %v", i, err2)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// Field extraction. Responses are decoded with UseNumber so nanosecond
// timestamps survive intact; these helpers fail on absent or mistyped
// required fields instead of guessing.

type fieldError struct{ key, reason string }

func (e fieldError) Error() string { return "field " + e.key + " " + e.reason }

func intField(m map[string]any, key string) (int64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, fieldError{key, "missing"}
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fieldError{key, "not a number"}
	}
	v, err := num.Int64()
	if err != nil {
		// tolerate a fractional encoding of an integral value
		f, ferr := num.Float64()
		if ferr != nil || f != float64(int64(f)) {
			return 0, fieldError{key, "not an integer"}
		}
		return int64(f), nil
	}
	return v, nil
}

func floatField(m map[string]any, key string) (float64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, fieldError{key, "missing"}
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fieldError{key, "not a number"}
	}
	v, err := num.Float64()
	if err != nil {
		return 0, fieldError{key, "not a number"}
	}
	return v, nil
}

func optFloatField(m map[string]any, key string) (*float64, error) {
	if raw, ok := m[key]; !ok || raw == nil {
		return nil, nil
	}
	v, err := floatField(m, key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optIntField(m map[string]any, key string) (*int64, error) {
	if raw, ok := m[key]; !ok || raw == nil {
		return nil, nil
	}
	v, err := intField(m, key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func strField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

func optStrField(m map[string]any, key string) *string {
	if s, ok := m[key].(string); ok && s != "" {
		return &s
	}
	return nil
}
