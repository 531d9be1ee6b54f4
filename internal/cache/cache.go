// Package cache is the session-scoped read cache shared by every fetcher.
//
// Entries carry the time they were fetched and are judged stale against the
// TTL of their kind. Nothing is evicted: an entry lives until it is
// overwritten, which bounds the cache by the distinct keys a session touches.
package cache

import (
	"strings"
	"sync"
	"time"

	"stakestream/internal/clock"
	"stakestream/internal/metrics"
)

// Kind names the kind of value a key refers to.
type Kind string

const (
	KindMetadata       Kind = "metadata"
	KindBalance        Kind = "balance"
	KindStakedBalance  Kind = "staked"
	KindPoolConnection Kind = "connected"
)

// Critical reports whether the kind is an on-chain read with the short TTL.
func (k Kind) Critical() bool {
	switch k {
	case KindBalance, KindStakedBalance, KindPoolConnection:
		return true
	default:
		return false
	}
}

// TTLs holds the two TTL classes.
type TTLs struct {
	Metadata time.Duration
	Critical time.Duration
}

// DefaultTTLs are used for zero fields of the TTLs passed to New.
var DefaultTTLs = TTLs{
	Metadata: 3 * time.Minute,
	Critical: time.Minute,
}

// For returns the TTL for kind.
func (t TTLs) For(kind Kind) time.Duration {
	if kind.Critical() {
		return t.Critical
	}
	return t.Metadata
}

// Key identifies an entry as kind-subject-account.
type Key struct {
	Kind    Kind
	Subject string
	Account string
}

func (k Key) String() string {
	return string(k.Kind) + "-" + strings.ToLower(k.Subject) + "-" + strings.ToLower(k.Account)
}

// Entry is a cached value and the time it was fetched.
type Entry struct {
	Value     any
	FetchedAt time.Time
}

// Status is the outcome of a lookup.
type Status int

const (
	Miss Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Cache is a timestamped key/value store with per-kind TTLs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   clock.Clock
	ttls    TTLs
}

// New builds a Cache; a nil clock means wall-clock time.
func New(clk clock.Clock, ttls TTLs) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttls.Metadata <= 0 {
		ttls.Metadata = DefaultTTLs.Metadata
	}
	if ttls.Critical <= 0 {
		ttls.Critical = DefaultTTLs.Critical
	}
	return &Cache{
		entries: make(map[string]Entry),
		clock:   clk,
		ttls:    ttls,
	}
}

// Get returns the entry for key and whether it is fresh, stale or missing.
// Stale entries are still returned so callers can render them while refetching.
func (c *Cache) Get(key Key) (Entry, Status) {
	c.mu.RLock()
	entry, ok := c.entries[key.String()]
	c.mu.RUnlock()

	status := Miss
	if ok {
		status = Fresh
		if c.clock.Now().Sub(entry.FetchedAt) > c.ttls.For(key.Kind) {
			status = Stale
		}
	}
	metrics.CacheLookups.WithLabelValues(string(key.Kind), status.String()).Inc()
	return entry, status
}

// Set stores value under key stamped with the current time.
func (c *Cache) Set(key Key, value any) {
	entry := Entry{Value: value, FetchedAt: c.clock.Now()}
	c.mu.Lock()
	c.entries[key.String()] = entry
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTLs returns the configured TTL classes.
func (c *Cache) TTLs() TTLs {
	return c.ttls
}

// Lookup is a typed Get. A value of the wrong type is reported as a miss.
func Lookup[V any](c *Cache, key Key) (V, Status) {
	entry, status := c.Get(key)
	if status == Miss {
		var zero V
		return zero, Miss
	}
	value, ok := entry.Value.(V)
	if !ok {
		var zero V
		return zero, Miss
	}
	return value, status
}
