package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"stakestream/internal/cache"
	"stakestream/internal/metrics"
	"stakestream/internal/model"
)

// ChunkFunc fetches one chunk of subjects for account. Subjects missing from a
// successful result fall back to the configured default and are not cached.
type ChunkFunc[V any] func(ctx context.Context, account string, subjects []string) (map[string]V, error)

// Config controls a Fetcher.
type Config[V any] struct {
	Kind        cache.Kind
	ChunkSize   int
	MaxInFlight int
	Fetch       ChunkFunc[V]
	// Fallback is used for subjects whose chunk failed and that have no stale value.
	Fallback func(subject string) V
	// Empty is returned for blacklisted subjects without a network call.
	Empty     func(subject string) V
	Blacklist model.Blacklist
	Limiter   *rate.Limiter
}

// Fetcher turns many single-subject lookups into bounded, cached chunk requests.
type Fetcher[V any] struct {
	cfg    Config[V]
	cache  *cache.Cache
	logger *zap.Logger
}

// NewFetcher builds a Fetcher backed by c.
func NewFetcher[V any](cfg Config[V], c *cache.Cache, logger *zap.Logger) *Fetcher[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Fallback == nil {
		cfg.Fallback = func(string) V {
			var zero V
			return zero
		}
	}
	if cfg.Empty == nil {
		cfg.Empty = cfg.Fallback
	}
	return &Fetcher[V]{cfg: cfg, cache: c, logger: logger.With(zap.String("kind", string(cfg.Kind)))}
}

type fetchOptions struct {
	force bool
}

// Option adjusts a single FetchMany call.
type Option func(*fetchOptions)

// WithForce ignores cache freshness and refetches every non-blacklisted subject.
func WithForce() Option {
	return func(o *fetchOptions) { o.force = true }
}

// FetchMany returns a value for every subject, keyed by lowercase subject.
// Failures are isolated per chunk and never returned.
func (f *Fetcher[V]) FetchMany(ctx context.Context, account string, subjects []string, opts ...Option) map[string]V {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	result := make(map[string]V, len(subjects))
	stale := make(map[string]V)
	pending := make([]string, 0, len(subjects))
	seen := make(map[string]struct{}, len(subjects))

	for _, subject := range subjects {
		subject = strings.ToLower(strings.TrimSpace(subject))
		if subject == "" {
			continue
		}
		if _, ok := seen[subject]; ok {
			continue
		}
		seen[subject] = struct{}{}

		if f.cfg.Blacklist.Contains(subject) {
			metrics.BatchBlacklisted.WithLabelValues(string(f.cfg.Kind)).Inc()
			result[subject] = f.cfg.Empty(subject)
			continue
		}

		if f.cache != nil && !o.force {
			value, status := cache.Lookup[V](f.cache, f.key(subject, account))
			switch status {
			case cache.Fresh:
				result[subject] = value
				continue
			case cache.Stale:
				stale[subject] = value
			}
		}
		pending = append(pending, subject)
	}

	if len(pending) == 0 {
		return result
	}

	chunks, err := SplitChunks(pending, f.cfg.ChunkSize)
	if err != nil {
		f.logger.Error("split chunks", zap.Error(err))
		return result
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(f.cfg.MaxInFlight)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			values, err := f.fetchChunk(ctx, account, chunk)

			mu.Lock()
			defer mu.Unlock()
			for _, subject := range chunk {
				if err == nil {
					if value, ok := values[subject]; ok {
						if f.cache != nil {
							f.cache.Set(f.key(subject, account), value)
						}
						result[subject] = value
						continue
					}
				}
				if value, ok := stale[subject]; ok {
					result[subject] = value
					continue
				}
				result[subject] = f.cfg.Fallback(subject)
			}
			return err
		})
	}
	// Failed chunks already fell back; the first error is only reported.
	if err := g.Wait(); err != nil {
		f.logger.Debug("fetch completed with failed chunks", zap.Int("chunks", len(chunks)), zap.Error(err))
	}

	return result
}

func (f *Fetcher[V]) fetchChunk(ctx context.Context, account string, chunk []string) (map[string]V, error) {
	if f.cfg.Fetch == nil {
		return nil, fmt.Errorf("fetch func is nil")
	}
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx); err != nil {
			metrics.BatchChunkFailures.WithLabelValues(string(f.cfg.Kind)).Inc()
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	metrics.BatchChunkRequests.WithLabelValues(string(f.cfg.Kind)).Inc()
	values, err := f.cfg.Fetch(ctx, account, chunk)
	if err != nil {
		metrics.BatchChunkFailures.WithLabelValues(string(f.cfg.Kind)).Inc()
		f.logger.Warn("chunk fetch failed", zap.Int("size", len(chunk)), zap.String("account", account), zap.Error(err))
		return nil, err
	}

	normalized := make(map[string]V, len(values))
	for key, value := range values {
		normalized[strings.ToLower(key)] = value
	}
	return normalized, nil
}

func (f *Fetcher[V]) key(subject, account string) cache.Key {
	return cache.Key{Kind: f.cfg.Kind, Subject: subject, Account: account}
}
