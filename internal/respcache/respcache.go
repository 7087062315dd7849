// Package respcache stores fetched provider responses keyed by the
// normalized request signature. Entries expire lazily: an entry past its
// TTL is reported as absent, never actively swept.
package respcache

import (
	"context"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is baked into every cache key. Bumping it when the
// canonical normalization contract changes orphans all previous entries
// instead of serving rows in a stale shape.
const SchemaVersion = "v1"

// Key builds the deterministic cache key for one provider request:
// all parameters sorted by name, so equal requests collide regardless of
// the order the caller assembled them in.
func Key(provider, endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("md:")
	b.WriteString(SchemaVersion)
	b.WriteString(":")
	b.WriteString(provider)
	b.WriteString(":")
	b.WriteString(endpoint)
	for _, name := range names {
		b.WriteString(":")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(params[name])
	}
	return b.String()
}

// Entry is one cached payload snapshot.
type Entry struct {
	Payload   []byte        `json:"payload"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Valid reports whether the entry is still servable at now.
func (e Entry) Valid(now time.Time) bool {
	return e.TTL > 0 && now.Before(e.FetchedAt.Add(e.TTL))
}

// Cache is the response cache contract. Concurrent writers for one key may
// race; entries are idempotent snapshots, so last write wins.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}
