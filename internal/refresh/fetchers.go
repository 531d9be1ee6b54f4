package refresh

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"stakestream/internal/batch"
	"stakestream/internal/cache"
	"stakestream/internal/clock"
	"stakestream/internal/metadata"
	"stakestream/internal/model"
)

// reading is an on-chain amount and when it was read. A nil Amount means the
// read failed and the previous value should be kept.
type reading struct {
	Amount *big.Int
	At     time.Time
}

func (r reading) known() bool { return r.Amount != nil }

// connection is a pool-connection read; Known is false after a failed read.
type connection struct {
	Connected bool
	Known     bool
}

type fetchers struct {
	balance   *batch.Fetcher[reading]
	staked    *batch.Fetcher[reading]
	connected *batch.Fetcher[connection]
	metadata  *batch.Fetcher[model.TokenMetadata]
}

func newFetchers(deps Deps, cfg Config, logger *zap.Logger) fetchers {
	clk := cfg.Clock
	zeroReading := func(string) reading { return reading{Amount: new(big.Int), At: clk.Now()} }

	return fetchers{
		balance: batch.NewFetcher(batch.Config[reading]{
			Kind:      cache.KindBalance,
			ChunkSize: cfg.ChunkSize,
			Fetch:     balanceChunk(deps.Chain, clk),
			Fallback:  func(string) reading { return reading{} },
			Empty:     zeroReading,
			Blacklist: cfg.Blacklist,
		}, deps.Cache, logger),
		staked: batch.NewFetcher(batch.Config[reading]{
			Kind:      cache.KindStakedBalance,
			ChunkSize: cfg.ChunkSize,
			Fetch:     balanceChunk(deps.Chain, clk),
			Fallback:  func(string) reading { return reading{} },
		}, deps.Cache, logger),
		connected: batch.NewFetcher(batch.Config[connection]{
			Kind:      cache.KindPoolConnection,
			ChunkSize: cfg.ChunkSize,
			Fetch:     connectionChunk(deps.Chain),
		}, deps.Cache, logger),
		metadata: batch.NewFetcher(batch.Config[model.TokenMetadata]{
			Kind:      cache.KindMetadata,
			ChunkSize: cfg.ChunkSize,
			Fetch:     metadataChunk(deps.Metadata),
			Fallback:  metadata.Fallback,
			Blacklist: cfg.Blacklist,
			Limiter:   cfg.MetadataLimiter,
		}, deps.Cache, logger),
	}
}

func balanceChunk(chain ChainReader, clk clock.Clock) batch.ChunkFunc[reading] {
	return func(ctx context.Context, account string, subjects []string) (map[string]reading, error) {
		balances, err := chain.BatchBalanceOf(ctx, common.HexToAddress(account), toAddresses(subjects))
		if err != nil {
			return nil, fmt.Errorf("batch balanceOf: %w", err)
		}
		at := clk.Now()
		out := make(map[string]reading, len(balances))
		for addr, balance := range balances {
			out[model.AddressKey(addr)] = reading{Amount: balance, At: at}
		}
		return out, nil
	}
}

func connectionChunk(chain ChainReader) batch.ChunkFunc[connection] {
	return func(ctx context.Context, account string, subjects []string) (map[string]connection, error) {
		connected, err := chain.BatchIsMemberConnected(ctx, common.HexToAddress(account), toAddresses(subjects))
		if err != nil {
			return nil, fmt.Errorf("batch isMemberConnected: %w", err)
		}
		out := make(map[string]connection, len(connected))
		for pool, ok := range connected {
			out[model.AddressKey(pool)] = connection{Connected: ok, Known: true}
		}
		return out, nil
	}
}

// metadataChunk reads from the store; without a store every token is unknown.
func metadataChunk(source MetadataSource) batch.ChunkFunc[model.TokenMetadata] {
	return func(ctx context.Context, _ string, subjects []string) (map[string]model.TokenMetadata, error) {
		if source == nil {
			out := make(map[string]model.TokenMetadata, len(subjects))
			for _, subject := range subjects {
				out[subject] = metadata.Fallback(subject)
			}
			return out, nil
		}
		return source.FetchBatch(ctx, subjects)
	}
}

func toAddresses(subjects []string) []common.Address {
	out := make([]common.Address, len(subjects))
	for i, subject := range subjects {
		out[i] = common.HexToAddress(subject)
	}
	return out
}
