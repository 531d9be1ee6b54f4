package subgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"stakestream/internal/metrics"
	"stakestream/internal/model"
)

// ErrAllSourcesFailed is returned when no source answered.
var ErrAllSourcesFailed = errors.New("all indexer sources failed")

// Failover tries sources in order; the first success wins.
type Failover struct {
	sources      []Source
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewFailover builds a Failover. maxRetries applies per source and only to transient errors.
func NewFailover(sources []Source, maxRetries int, retryBackoff time.Duration, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Failover{
		sources:      sources,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
		logger:       logger,
	}
}

func (f *Failover) Name() string { return "failover" }

// Query returns the first successful source's record.
func (f *Failover) Query(ctx context.Context, account common.Address) (model.AccountRecord, error) {
	if len(f.sources) == 0 {
		return model.AccountRecord{}, fmt.Errorf("%w: no sources configured", ErrAllSourcesFailed)
	}

	var errs []error
	for i, source := range f.sources {
		var record model.AccountRecord
		err := withRetry(ctx, f.maxRetries, f.retryBackoff, func(ctx context.Context) error {
			var err error
			record, err = source.Query(ctx, account)
			return err
		})
		if err == nil {
			if i > 0 {
				f.logger.Info("indexer fallback succeeded", zap.String("source", source.Name()), zap.Int("position", i))
			}
			return record, nil
		}

		metrics.IndexerSourceFailures.WithLabelValues(source.Name()).Inc()
		f.logger.Warn("indexer query failed", zap.String("source", source.Name()), zap.String("account", account.Hex()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", source.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return model.AccountRecord{}, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}
