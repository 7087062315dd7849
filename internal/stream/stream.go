// Package stream multiplexes many client subscriptions onto few upstream
// provider WebSocket connections. One connection is owned per provider;
// one logical subscription exists per Key; many clients attach to a Key.
package stream

import (
	"context"
	"encoding/json"

	"marketdata/internal/canonical"
)

// Kind is the stream variety of a subscription.
type Kind string

const (
	KindTrades     Kind = "trades"
	KindQuotes     Kind = "quotes"
	KindAggregates Kind = "aggregates"
)

// ParseKind validates a caller-supplied stream kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindTrades, KindQuotes, KindAggregates:
		return Kind(s), true
	}
	return "", false
}

// Key identifies one logical upstream subscription. Resolution is set for
// aggregate streams only.
type Key struct {
	Provider   string
	Kind       Kind
	Ticker     string
	Resolution string
}

// Event is one normalized upstream message with its routing coordinates.
// Resolution may be empty when the provider's payload does not carry it;
// such events match any resolution for the same kind and ticker.
type Event struct {
	Kind       Kind
	Ticker     string
	Resolution string
	Record     canonical.Record
}

// matches reports whether the event belongs to key.
func (e Event) matches(k Key) bool {
	if e.Kind != k.Kind || e.Ticker != k.Ticker {
		return false
	}
	return e.Resolution == "" || e.Resolution == k.Resolution
}

// Message is the outbound client frame: a canonical record tagged with its
// type.
type Message struct {
	Record canonical.Record
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type canonical.Type   `json:"type"`
		Data canonical.Record `json:"data"`
	}{Type: m.Record.RecordType(), Data: m.Record})
}

// Conn is the subset of a WebSocket connection the multiplexer uses.
// *websocket.Conn from gorilla satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialect is a provider's streaming protocol: how to connect and
// authenticate, how subscription deltas are framed, and how inbound frames
// normalize into canonical events. Control frames on the connection are
// issued exclusively by the multiplexer.
type Dialect interface {
	Provider() string
	Dial(ctx context.Context) (Conn, error)
	SubscribeFrame(params []string) any
	UnsubscribeFrame(params []string) any
	// Param renders the provider wire name for a subscription key.
	Param(key Key) string
	// Parse normalizes one inbound frame. Status/heartbeat frames yield an
	// empty slice.
	Parse(data []byte) ([]Event, error)
}
