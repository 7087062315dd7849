package provider

import (
	"context"
	"testing"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string               { return s.name }
func (s stubAdapter) Supports(EndpointType) bool { return true }
func (s stubAdapter) Fetch(context.Context, Request) (Result, error) {
	return Result{}, nil
}

func TestRegistry_CandidatesOrderedByPriorityThenDeclaration(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{Name: "c", Priority: 1, Endpoints: []EndpointType{EndpointAggs}}, stubAdapter{"c"})
	r.Register(Descriptor{Name: "a", Priority: 0, Endpoints: []EndpointType{EndpointAggs, EndpointTrades}}, stubAdapter{"a"})
	r.Register(Descriptor{Name: "b", Priority: 1, Endpoints: []EndpointType{EndpointAggs}}, stubAdapter{"b"})

	got := r.Candidates(EndpointAggs)
	if len(got) != 3 {
		t.Fatalf("want 3 candidates, got %d", len(got))
	}
	if got[0].Descriptor.Name != "a" || got[1].Descriptor.Name != "c" || got[2].Descriptor.Name != "b" {
		t.Fatalf("wrong order: %s %s %s", got[0].Descriptor.Name, got[1].Descriptor.Name, got[2].Descriptor.Name)
	}

	trades := r.Candidates(EndpointTrades)
	if len(trades) != 1 || trades[0].Descriptor.Name != "a" {
		t.Fatalf("capability filter broken: %+v", trades)
	}
}

func TestParseEndpointType(t *testing.T) {
	if _, ok := ParseEndpointType("aggs"); !ok {
		t.Fatalf("aggs is a valid endpoint type")
	}
	if _, ok := ParseEndpointType("candles"); ok {
		t.Fatalf("unknown endpoint types must be rejected")
	}
}

func TestResult_RecordsPreservesOrder(t *testing.T) {
	res := Result{}
	if len(res.Records()) != 0 {
		t.Fatalf("empty result yields no records")
	}
}
