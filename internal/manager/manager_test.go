package manager_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"marketdata/internal/canonical"
	"marketdata/internal/fetcherr"
	"marketdata/internal/manager"
	"marketdata/internal/provider"
	"marketdata/internal/respcache"
)

// stubAdapter counts invocations and serves a canned result or error.
type stubAdapter struct {
	name  string
	calls int
	res   provider.Result
	err   error
}

func (s *stubAdapter) Name() string                        { return s.name }
func (s *stubAdapter) Supports(provider.EndpointType) bool { return true }
func (s *stubAdapter) Fetch(_ context.Context, _ provider.Request) (provider.Result, error) {
	s.calls++
	return s.res, s.err
}

func barsResult(source string) provider.Result {
	return provider.Result{Bars: []canonical.Bar{{
		Source: source, Symbol: "ESZ4", Interval: "1m", TS: 1734484200,
		Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
	}}}
}

func register(r *provider.Registry, a *stubAdapter, priority int) {
	r.Register(provider.Descriptor{
		Name:      a.name,
		Endpoints: []provider.EndpointType{provider.EndpointAggs},
		Priority:  priority,
	}, a)
}

func aggsRequest() provider.Request {
	return provider.Request{
		Endpoint: provider.EndpointAggs,
		Params:   map[string]string{"ticker": "ESZ4", "resolution": "1m"},
	}
}

func TestFetch_CacheHitSkipsTransport(t *testing.T) {
	t.Parallel()

	// Arrange: one provider, in-memory cache
	adapter := &stubAdapter{name: "p1", res: barsResult("p1")}
	registry := provider.NewRegistry()
	register(registry, adapter, 0)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act: fetch twice with identical parameters
	first, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)
	second, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)

	// Assert: the second call was served from cache with zero new
	// transport invocations
	require.Equal(t, 1, adapter.calls)
	require.False(t, first.FromCache)
	require.True(t, second.FromCache)
	require.Equal(t, first.Result, second.Result)
}

func TestFetch_FailoverOrder(t *testing.T) {
	t.Parallel()

	// Arrange: p1 fails transiently, p2 succeeds, p3 must never be invoked
	p1 := &stubAdapter{name: "p1", err: fetcherr.Transient("p1", errors.New("reset"), "request failed")}
	p2 := &stubAdapter{name: "p2", res: barsResult("p2")}
	p3 := &stubAdapter{name: "p3", res: barsResult("p3")}
	registry := provider.NewRegistry()
	register(registry, p1, 0)
	register(registry, p2, 1)
	register(registry, p3, 2)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act
	res, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)

	// Assert: p2's result, one whole provider's output, p3 untouched
	require.Equal(t, "p2", res.Provider)
	require.Equal(t, "p2", res.Result.Bars[0].Source)
	require.Equal(t, 1, p1.calls)
	require.Equal(t, 1, p2.calls)
	require.Equal(t, 0, p3.calls)
}

func TestFetch_AllProvidersFailed(t *testing.T) {
	t.Parallel()

	// Arrange: every capable provider fails terminally
	p1 := &stubAdapter{name: "p1", err: fetcherr.Auth("p1", "api key not configured")}
	p2 := &stubAdapter{name: "p2", err: fetcherr.Schema("p2", "field price missing")}
	registry := provider.NewRegistry()
	register(registry, p1, 0)
	register(registry, p2, 1)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act
	_, err := m.Fetch(t.Context(), "", aggsRequest())

	// Assert: the aggregate carries both candidates' errors
	require.Error(t, err)
	var all *fetcherr.AllFailed
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Candidates, 2)
	require.Equal(t, "p1", all.Candidates[0].Provider)
	require.Equal(t, "p2", all.Candidates[1].Provider)
	require.Equal(t, fetcherr.KindAuth, fetcherr.KindOf(all.Candidates[0].Err))
	require.Equal(t, fetcherr.KindSchema, fetcherr.KindOf(all.Candidates[1].Err))
}

func TestFetch_PriorityTiesKeepDeclarationOrder(t *testing.T) {
	t.Parallel()

	// Arrange: equal priorities; the first declared provider serves
	p1 := &stubAdapter{name: "p1", res: barsResult("p1")}
	p2 := &stubAdapter{name: "p2", res: barsResult("p2")}
	registry := provider.NewRegistry()
	register(registry, p1, 5)
	register(registry, p2, 5)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act
	res, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)

	// Assert
	require.Equal(t, "p1", res.Provider)
	require.Equal(t, 0, p2.calls)
}

func TestFetch_ProviderHint(t *testing.T) {
	t.Parallel()

	// Arrange: the hinted provider is lower priority than p1
	p1 := &stubAdapter{name: "p1", res: barsResult("p1")}
	p2 := &stubAdapter{name: "p2", res: barsResult("p2")}
	registry := provider.NewRegistry()
	register(registry, p1, 0)
	register(registry, p2, 1)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act
	res, err := m.Fetch(t.Context(), "p2", aggsRequest())
	require.NoError(t, err)

	// Assert: only the hinted provider was consulted
	require.Equal(t, "p2", res.Provider)
	require.Equal(t, 0, p1.calls)
	require.Equal(t, 1, p2.calls)
}

func TestFetch_ProviderHintErrors(t *testing.T) {
	t.Parallel()

	// Arrange: one failing provider plus a healthy fallback
	p1 := &stubAdapter{name: "p1", err: fetcherr.Auth("p1", "api key not configured")}
	p2 := &stubAdapter{name: "p2", res: barsResult("p2")}
	registry := provider.NewRegistry()
	register(registry, p1, 0)
	register(registry, p2, 1)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act: hint pins the request to the failing provider
	_, err := m.Fetch(t.Context(), "p1", aggsRequest())

	// Assert: the hinted provider's classified error comes back unwrapped
	// and no failover happened
	require.Error(t, err)
	require.Equal(t, fetcherr.KindAuth, fetcherr.KindOf(err))
	require.Equal(t, 0, p2.calls)

	// Act: unknown hint
	_, err = m.Fetch(t.Context(), "nope", aggsRequest())
	require.Error(t, err)
	require.Equal(t, fetcherr.KindValidation, fetcherr.KindOf(err))
}

func TestFetch_ErrNoCapableProvider(t *testing.T) {
	t.Parallel()

	m := manager.New(provider.NewRegistry(), respcache.NewMemory(0), zerolog.Nop())

	_, err := m.Fetch(t.Context(), "", aggsRequest())
	require.Error(t, err)
	require.Equal(t, fetcherr.KindValidation, fetcherr.KindOf(err))
}

func TestFetch_CacheKeyedPerProvider(t *testing.T) {
	t.Parallel()

	// Arrange: p1 fails, so p2's result gets cached under p2's key
	p1 := &stubAdapter{name: "p1", err: fetcherr.Transient("p1", nil, "status 503")}
	p2 := &stubAdapter{name: "p2", res: barsResult("p2")}
	registry := provider.NewRegistry()
	register(registry, p1, 0)
	register(registry, p2, 1)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	_, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)

	// Act: the next fetch still probes p1 first (its key is cold), then
	// hits p2's cached entry
	res, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)

	// Assert
	require.Equal(t, 2, p1.calls)
	require.Equal(t, 1, p2.calls)
	require.True(t, res.FromCache)
	require.Equal(t, "p2", res.Provider)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	// Arrange
	p1 := &stubAdapter{name: "p1", err: fetcherr.Transient("p1", nil, "status 503")}
	p2 := &stubAdapter{name: "p2", res: barsResult("p2")}
	registry := provider.NewRegistry()
	register(registry, p1, 0)
	register(registry, p2, 1)
	m := manager.New(registry, respcache.NewMemory(0), zerolog.Nop())

	// Act
	_, err := m.Fetch(t.Context(), "", aggsRequest())
	require.NoError(t, err)

	// Assert: one failure and one success recorded
	status := m.Status()
	require.Len(t, status, 2)
	require.Equal(t, "p1", status[0].Provider)
	require.Equal(t, uint64(1), status[0].Failures)
	require.Zero(t, status[0].Successes)
	require.NotEmpty(t, status[0].LastError)
	require.Equal(t, "p2", status[1].Provider)
	require.Equal(t, uint64(1), status[1].Successes)
	require.Zero(t, status[1].Failures)
}
