package stream

import (
	"encoding/json"

	"marketdata/internal/fetcherr"
)

// Action is a client control verb.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Control is a validated client control message. Unknown actions or stream
// types are rejected at the boundary, never ignored.
type Control struct {
	Action     Action
	Kind       Kind
	Tickers    []string
	Resolution string
}

type rawControl struct {
	Action     string   `json:"action"`
	Type       string   `json:"type"`
	Tickers    []string `json:"tickers"`
	Resolution string   `json:"resolution"`
}

// ParseControl decodes and validates one inbound client frame.
func ParseControl(data []byte) (Control, error) {
	var raw rawControl
	if err := json.Unmarshal(data, &raw); err != nil {
		return Control{}, fetcherr.Validation("stream", "malformed control message: %v", err)
	}

	var ctl Control
	switch Action(raw.Action) {
	case ActionSubscribe, ActionUnsubscribe:
		ctl.Action = Action(raw.Action)
	default:
		return Control{}, fetcherr.Validation("stream", "unknown action %q", raw.Action)
	}

	kind, ok := ParseKind(raw.Type)
	if !ok {
		return Control{}, fetcherr.Validation("stream", "unknown stream type %q", raw.Type)
	}
	ctl.Kind = kind

	if len(raw.Tickers) == 0 {
		return Control{}, fetcherr.Validation("stream", "tickers required")
	}
	for _, t := range raw.Tickers {
		if t == "" {
			return Control{}, fetcherr.Validation("stream", "empty ticker")
		}
	}
	ctl.Tickers = raw.Tickers

	if kind == KindAggregates {
		// Resolution scopes the upstream subscription. Providers that omit
		// the bar span from their payloads deliver to every resolution
		// subscribed for the ticker.
		if raw.Resolution == "" {
			return Control{}, fetcherr.Validation("stream", "resolution required for aggregates")
		}
		ctl.Resolution = raw.Resolution
	}
	return ctl, nil
}

// Keys expands the control message into subscription keys for a provider.
func (c Control) Keys(providerName string) []Key {
	keys := make([]Key, 0, len(c.Tickers))
	for _, t := range c.Tickers {
		keys = append(keys, Key{Provider: providerName, Kind: c.Kind, Ticker: t, Resolution: c.Resolution})
	}
	return keys
}
