package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"stakestream/internal/cache"
	"stakestream/internal/chain"
	"stakestream/internal/clock"
	"stakestream/internal/config"
	"stakestream/internal/metadata"
	"stakestream/internal/model"
	"stakestream/internal/refresh"
	"stakestream/internal/stream"
	"stakestream/internal/subgraph"
)

// engine holds the collaborators shared by every orchestrator of a process.
type engine struct {
	cfg      config.Config
	logger   *zap.Logger
	chain    *chain.Client
	deps     refresh.Deps
	settings refresh.Config
}

func newEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	blacklistAddrs, err := model.ParseAddresses(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}

	var forwarder common.Address
	if cfg.Forwarder != "" {
		forwarder, err = model.ParseAddress(cfg.Forwarder)
		if err != nil {
			return nil, fmt.Errorf("forwarder: %w", err)
		}
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.Options{
		Forwarder: forwarder,
		RPS:       cfg.RPCRPS,
		Burst:     cfg.RPCBurst,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	sources := make([]subgraph.Source, 0, len(cfg.Subgraphs))
	for i, url := range cfg.Subgraphs {
		sources = append(sources, subgraph.NewHTTPSource(fmt.Sprintf("subgraph-%d", i), url, httpClient))
	}

	var metadataSource refresh.MetadataSource
	if cfg.MetadataURL != "" {
		metadataSource = metadata.NewClient(cfg.MetadataURL, httpClient)
	} else {
		logger.Warn("no metadata url configured, canonical pools are unknown")
	}

	var metadataLimiter *rate.Limiter
	if cfg.MetadataRPS > 0 {
		metadataLimiter = rate.NewLimiter(rate.Limit(cfg.MetadataRPS), 1)
	}

	clk := clock.Real{}
	store := cache.New(clk, cache.TTLs{Metadata: cfg.MetadataTTL, Critical: cfg.CriticalTTL})
	ttls := store.TTLs()
	logger.Info("engine ready",
		zap.String("forwarder", chainClient.Forwarder().Hex()),
		zap.Int("subgraphs", len(sources)),
		zap.Duration("metadata_ttl", ttls.Metadata),
		zap.Duration("critical_ttl", ttls.Critical),
	)

	return &engine{
		cfg:    cfg,
		logger: logger,
		chain:  chainClient,
		deps: refresh.Deps{
			Indexer:  subgraph.NewFailover(sources, cfg.IndexerRetries, cfg.RetryBackoff, logger),
			Chain:    chainClient,
			Metadata: metadataSource,
			Cache:    store,
		},
		settings: refresh.Config{
			ChunkSize:       cfg.ChunkSize,
			RefreshInterval: cfg.RefreshInterval,
			Stream: stream.Config{
				Interval:       cfg.TickInterval,
				FrameThreshold: cfg.FrameThreshold,
				Epsilon:        cfg.RebaseEpsilon,
			},
			Blacklist:             model.NewBlacklist(blacklistAddrs),
			IncludeNativeHoldings: cfg.IncludeNativeHoldings,
			MetadataLimiter:       metadataLimiter,
			Clock:                 clk,
			Scheduler:             clk,
		},
	}, nil
}

func (e *engine) orchestrator(account common.Address) (*refresh.Orchestrator, error) {
	return refresh.New(account, e.deps, e.settings, e.logger)
}

func (e *engine) Close() {
	e.chain.Close()
}
