// Package manager selects a provider for each logical fetch and fails over
// between capable providers. One call returns exactly one provider's output;
// results are never assembled from two providers.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketdata/internal/fetcherr"
	"marketdata/internal/provider"
	"marketdata/internal/respcache"
)

// DefaultCacheTTL applies when a provider descriptor carries no TTL.
const DefaultCacheTTL = 300 * time.Second

// Response is one served fetch: the result, which provider produced it, and
// whether it was served from cache.
type Response struct {
	Provider  string
	FromCache bool
	Result    provider.Result
}

// ProviderStatus is a point-in-time health snapshot for one provider.
type ProviderStatus struct {
	Provider    string    `json:"provider"`
	Successes   uint64    `json:"successes"`
	Failures    uint64    `json:"failures"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type Manager struct {
	registry *provider.Registry
	cache    respcache.Cache
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	status map[string]*ProviderStatus
}

func New(registry *provider.Registry, cache respcache.Cache, log zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		cache:    cache,
		log:      log.With().Str("component", "manager").Logger(),
		now:      time.Now,
		status:   make(map[string]*ProviderStatus),
	}
}

// Fetch serves one logical request. With a provider hint only that provider
// is consulted and its classified error is returned as-is; without one the
// capable providers are tried in priority order and the failures are
// aggregated when none succeeds.
func (m *Manager) Fetch(ctx context.Context, hint string, req provider.Request) (Response, error) {
	candidates, hinted, err := m.candidates(hint, req.Endpoint)
	if err != nil {
		return Response{}, err
	}

	failures := make([]fetcherr.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		name := cand.Descriptor.Name
		key := cacheKey(name, req)

		if entry, ok := m.cacheGet(ctx, key); ok {
			var res provider.Result
			if err := json.Unmarshal(entry.Payload, &res); err == nil {
				m.log.Debug().Str("provider", name).Str("endpoint", string(req.Endpoint)).Msg("cache hit")
				return Response{Provider: name, FromCache: true, Result: res}, nil
			}
			// undecodable entry: fall through to a live fetch that overwrites it
			m.log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
		}

		res, err := cand.Adapter.Fetch(ctx, req)
		if err != nil {
			m.recordFailure(name, err)
			m.log.Warn().Err(err).Str("provider", name).Str("endpoint", string(req.Endpoint)).Msg("provider failed")
			if hinted {
				return Response{}, err
			}
			failures = append(failures, fetcherr.Candidate{Provider: name, Err: err})
			continue
		}

		m.recordSuccess(name)
		m.cacheSet(ctx, key, cand.Descriptor, res)
		return Response{Provider: name, Result: res}, nil
	}

	return Response{}, &fetcherr.AllFailed{Candidates: failures}
}

func (m *Manager) candidates(hint string, endpoint provider.EndpointType) ([]provider.Entry, bool, error) {
	if hint != "" {
		entry, ok := m.registry.Lookup(hint)
		if !ok {
			return nil, true, fetcherr.Validation(hint, "unknown provider")
		}
		if !entry.Descriptor.Supports(endpoint) {
			return nil, true, fetcherr.Validation(hint, "endpoint_type %q not served", endpoint)
		}
		return []provider.Entry{entry}, true, nil
	}

	candidates := m.registry.Candidates(endpoint)
	if len(candidates) == 0 {
		return nil, false, fetcherr.Validation("", "no provider serves endpoint_type %q", endpoint)
	}
	return candidates, false, nil
}

// cacheKey folds limit and cursor into the parameter set so a resumed or
// differently-sized fetch never aliases another request's entry.
func cacheKey(providerName string, req provider.Request) string {
	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.Limit > 0 {
		params["limit"] = fmt.Sprint(req.Limit)
	}
	if req.Cursor != "" {
		params["cursor"] = req.Cursor
	}
	return respcache.Key(providerName, string(req.Endpoint), params)
}

// Cache trouble is logged and treated as a miss; the cache is an
// optimization, never a dependency of correctness.
func (m *Manager) cacheGet(ctx context.Context, key string) (respcache.Entry, bool) {
	entry, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return respcache.Entry{}, false
	}
	return entry, ok
}

func (m *Manager) cacheSet(ctx context.Context, key string, d provider.Descriptor, res provider.Result) {
	payload, err := json.Marshal(res)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	entry := respcache.Entry{Payload: payload, FetchedAt: m.now(), TTL: ttl}
	if err := m.cache.Set(ctx, key, entry); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (m *Manager) recordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statusLocked(name)
	st.Successes++
	st.LastSuccess = m.now()
}

func (m *Manager) recordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statusLocked(name)
	st.Failures++
	st.LastFailure = m.now()
	st.LastError = err.Error()
}

func (m *Manager) statusLocked(name string) *ProviderStatus {
	st, ok := m.status[name]
	if !ok {
		st = &ProviderStatus{Provider: name}
		m.status[name] = st
	}
	return st
}

// Status returns a snapshot of every provider that has been tried.
func (m *Manager) Status() []ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProviderStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
