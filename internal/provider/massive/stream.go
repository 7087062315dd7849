package massive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"marketdata/internal/canonical"
	"marketdata/internal/fetcherr"
	"marketdata/internal/stream"
)

const defaultWSURL = "wss://socket.massive.com/futures"

// StreamDialect speaks the Massive futures WebSocket protocol: an auth
// frame after connect, subscription params like T.ESZ4 / Q.ESZ4 /
// A.ESZ4.1min, and inbound event objects tagged by "ev".
type StreamDialect struct {
	apiKey string
	wsURL  string
}

func NewStreamDialect(apiKey, wsURL string) *StreamDialect {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &StreamDialect{apiKey: apiKey, wsURL: wsURL}
}

func (d *StreamDialect) Provider() string { return Name }

func (d *StreamDialect) Dial(ctx context.Context) (stream.Conn, error) {
	if d.apiKey == "" {
		return nil, fetcherr.Auth(Name, "api key not configured for streaming")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.wsURL, err)
	}
	if err := conn.WriteJSON(controlFrame{Action: "auth", Params: []string{d.apiKey}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth frame: %w", err)
	}
	return conn, nil
}

type controlFrame struct {
	Action string   `json:"action"`
	Params []string `json:"params"`
}

func (d *StreamDialect) SubscribeFrame(params []string) any {
	return controlFrame{Action: "subscribe", Params: params}
}

func (d *StreamDialect) UnsubscribeFrame(params []string) any {
	return controlFrame{Action: "unsubscribe", Params: params}
}

func (d *StreamDialect) Param(key stream.Key) string {
	switch key.Kind {
	case stream.KindTrades:
		return "T." + key.Ticker
	case stream.KindQuotes:
		return "Q." + key.Ticker
	case stream.KindAggregates:
		return "A." + key.Ticker + "." + key.Resolution
	default:
		return ""
	}
}

// Parse normalizes one inbound frame. Frames may carry a single event
// object or an array of them; status events yield nothing.
func (d *StreamDialect) Parse(data []byte) ([]stream.Event, error) {
	trimmed := bytes.TrimSpace(data)
	var raws []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fetcherr.Schema(Name, "stream frame: %v", err)
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}

	events := make([]stream.Event, 0, len(raws))
	for _, raw := range raws {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var item map[string]any
		if err := dec.Decode(&item); err != nil {
			return nil, fetcherr.Schema(Name, "stream event: %v", err)
		}
		ev, ok, err := d.parseEvent(item)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (d *StreamDialect) parseEvent(item map[string]any) (stream.Event, bool, error) {
	kind := strField(item, "ev", "")
	ticker := strField(item, "sym", "")

	switch kind {
	case "T":
		ts, err := intField(item, "t")
		if err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream trade: %v", err)
		}
		price, err := floatField(item, "p")
		if err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream trade: %v", err)
		}
		size, err := intField(item, "s")
		if err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream trade: %v", err)
		}
		return stream.Event{
			Kind:   stream.KindTrades,
			Ticker: ticker,
			Record: canonical.Trade{
				TS:             toUnixSeconds(ts),
				Price:          price,
				Size:           size,
				Ticker:         ticker,
				SessionEndDate: optStrField(item, "session_end_date"),
			},
		}, true, nil

	case "Q":
		ts, err := intField(item, "t")
		if err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream quote: %v", err)
		}
		q := canonical.Quote{
			TS:             toUnixSeconds(ts),
			Ticker:         ticker,
			SessionEndDate: optStrField(item, "session_end_date"),
		}
		if q.BidPrice, err = optFloatField(item, "bp"); err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream quote: %v", err)
		}
		if q.BidSize, err = optIntField(item, "bs"); err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream quote: %v", err)
		}
		if q.AskPrice, err = optFloatField(item, "ap"); err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream quote: %v", err)
		}
		if q.AskSize, err = optIntField(item, "as"); err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream quote: %v", err)
		}
		return stream.Event{Kind: stream.KindQuotes, Ticker: ticker, Record: q}, true, nil

	case "A":
		ts, err := intField(item, "t")
		if err != nil {
			return stream.Event{}, false, fetcherr.Schema(Name, "stream agg: %v", err)
		}
		// the upstream does not always echo the bar span; when it does,
		// the event routes to that resolution only
		resolution := strField(item, "resolution", "")
		bar := canonical.Bar{Source: Name, Symbol: ticker, Interval: resolution, TS: toUnixSeconds(ts)}
		for _, f := range []struct {
			key string
			dst *float64
		}{{"o", &bar.Open}, {"h", &bar.High}, {"l", &bar.Low}, {"c", &bar.Close}, {"v", &bar.Volume}} {
			v, err := floatField(item, f.key)
			if err != nil {
				return stream.Event{}, false, fetcherr.Schema(Name, "stream agg: %v", err)
			}
			*f.dst = v
		}
		return stream.Event{Kind: stream.KindAggregates, Ticker: ticker, Resolution: resolution, Record: bar}, true, nil

	case "status", "":
		// connection status and heartbeat frames carry no market data
		return stream.Event{}, false, nil

	default:
		// unknown upstream event types are skipped, not fatal
		return stream.Event{}, false, nil
	}
}
