// Package provider defines the provider-agnostic fetch contract and the
// registry the manager selects adapters from.
package provider

import (
	"context"
	"sort"
	"time"

	"marketdata/internal/canonical"
	"marketdata/internal/ratelimit"
)

// EndpointType enumerates the kinds of data a provider can serve.
type EndpointType string

const (
	EndpointContracts        EndpointType = "contracts"
	EndpointContract         EndpointType = "contract"
	EndpointProducts         EndpointType = "products"
	EndpointProduct          EndpointType = "product"
	EndpointSchedules        EndpointType = "schedules"
	EndpointProductSchedules EndpointType = "product_schedules"
	EndpointAggs             EndpointType = "aggs"
	EndpointTrades           EndpointType = "trades"
	EndpointQuotes           EndpointType = "quotes"
	EndpointMarketStatus     EndpointType = "market_status"
	EndpointExchanges        EndpointType = "exchanges"
)

var endpointTypes = map[EndpointType]struct{}{
	EndpointContracts: {}, EndpointContract: {}, EndpointProducts: {},
	EndpointProduct: {}, EndpointSchedules: {}, EndpointProductSchedules: {},
	EndpointAggs: {}, EndpointTrades: {}, EndpointQuotes: {},
	EndpointMarketStatus: {}, EndpointExchanges: {},
}

// ParseEndpointType validates a caller-supplied endpoint name.
func ParseEndpointType(s string) (EndpointType, bool) {
	et := EndpointType(s)
	_, ok := endpointTypes[et]
	return et, ok
}

// Request is one logical fetch.
type Request struct {
	Endpoint EndpointType
	Params   map[string]string
	// Limit caps the total records across internally-paginated calls.
	// 0 means one page at the provider's default size.
	Limit int
	// Cursor resumes a previous paginated fetch.
	Cursor string
}

// Result is one provider's canonical output for a Request. Exactly one of
// the record slices is populated, matching the endpoint type.
type Result struct {
	Bars       []canonical.Bar      `json:"bars,omitempty"`
	Trades     []canonical.Trade    `json:"trades,omitempty"`
	Quotes     []canonical.Quote    `json:"quotes,omitempty"`
	Documents  []canonical.Document `json:"documents,omitempty"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Records flattens the populated slice into the ordered canonical sequence.
func (r Result) Records() []canonical.Record {
	out := make([]canonical.Record, 0, len(r.Bars)+len(r.Trades)+len(r.Quotes)+len(r.Documents))
	for _, b := range r.Bars {
		out = append(out, b)
	}
	for _, t := range r.Trades {
		out = append(out, t)
	}
	for _, q := range r.Quotes {
		out = append(out, q)
	}
	for _, d := range r.Documents {
		out = append(out, d)
	}
	return out
}

// Adapter is one provider. Fetch performs exactly one provider call, or a
// bounded internally-paginated sequence when Limit exceeds one page, and
// returns canonical records. Errors are classified per fetcherr.
type Adapter interface {
	Name() string
	Supports(endpoint EndpointType) bool
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Descriptor is the immutable per-provider configuration consulted by the
// manager. Lower Priority is tried first.
type Descriptor struct {
	Name      string
	Endpoints []EndpointType
	RateLimit ratelimit.Config
	Timeout   time.Duration
	Priority  int
	CacheTTL  time.Duration
}

// Supports reports whether the descriptor's capability set includes endpoint.
func (d Descriptor) Supports(endpoint EndpointType) bool {
	for _, e := range d.Endpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// Entry pairs a descriptor with its adapter.
type Entry struct {
	Descriptor Descriptor
	Adapter    Adapter
}

// Registry holds the configured providers. Built once at startup and passed
// by reference; there is no ambient global registry.
type Registry struct {
	entries []Entry
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(d Descriptor, a Adapter) {
	r.entries = append(r.entries, Entry{Descriptor: d, Adapter: a})
}

// Candidates returns the providers capable of serving endpoint, ordered by
// ascending priority; ties keep declaration order.
func (r *Registry) Candidates(endpoint EndpointType) []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Descriptor.Supports(endpoint) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Descriptor.Priority < out[j].Descriptor.Priority
	})
	return out
}

// Lookup finds a provider by name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	for _, e := range r.entries {
		if e.Descriptor.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
