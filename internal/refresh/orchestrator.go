// Package refresh owns one account's positions: it runs full refresh cycles,
// tracks which tokens are actively rendered, keeps their live projections and
// re-reads them on a timer.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"stakestream/internal/batch"
	"stakestream/internal/cache"
	"stakestream/internal/clock"
	"stakestream/internal/metrics"
	"stakestream/internal/model"
	"stakestream/internal/position"
	"stakestream/internal/stream"
)

var (
	ErrUnknownToken = errors.New("token is not tracked")
	ErrClosed       = errors.New("orchestrator closed")
)

// DefaultRefreshInterval is how often active tokens are re-read.
const DefaultRefreshInterval = 30 * time.Second

// Indexer answers account queries.
type Indexer interface {
	Query(ctx context.Context, account common.Address) (model.AccountRecord, error)
}

// ChainReader performs batched on-chain reads. Failed elements are left out of the maps.
type ChainReader interface {
	BatchBalanceOf(ctx context.Context, owner common.Address, contracts []common.Address) (map[common.Address]*big.Int, error)
	BatchIsMemberConnected(ctx context.Context, member common.Address, pools []common.Address) (map[common.Address]bool, error)
}

// MetadataSource reads token metadata in batches.
type MetadataSource interface {
	FetchBatch(ctx context.Context, tokens []string) (map[string]model.TokenMetadata, error)
}

// Deps are the collaborators of an Orchestrator. Metadata may be nil.
type Deps struct {
	Indexer  Indexer
	Chain    ChainReader
	Metadata MetadataSource
	Cache    *cache.Cache
}

// Config tunes an Orchestrator.
type Config struct {
	ChunkSize             int
	RefreshInterval       time.Duration
	Stream                stream.Config
	Blacklist             model.Blacklist
	IncludeNativeHoldings bool
	MetadataLimiter       *rate.Limiter
	Clock                 clock.Clock
	Scheduler             clock.Scheduler
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	account    common.Address
	accountKey string
	deps       Deps
	cfg        Config
	fetch      fetchers
	logger     *zap.Logger
	group      singleflight.Group

	mu           sync.RWMutex
	cycleID      string
	loaded       bool
	loadErr      error
	updatedAt    time.Time
	positions    map[string]model.StakePosition
	positionKeys []string
	holdings     map[string]model.UnstakedHolding
	holdingKeys  []string
	phases       map[string]model.Phase
	active       map[string]*stream.Projector
	visible      bool
	pollCancel   func()
	closed       bool

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New builds an Orchestrator for account. Nothing is fetched until Load.
func New(account common.Address, deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Indexer == nil {
		return nil, fmt.Errorf("indexer is required")
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("chain reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = clock.Real{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = batch.DefaultChunkSize
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(cfg.Clock, cache.DefaultTTLs)
	}
	cfg.Stream.Clock = cfg.Clock
	cfg.Stream.Scheduler = cfg.Scheduler
	cfg.Stream.OnUpdate = nil

	logger = logger.With(zap.String("account", account.Hex()))
	return &Orchestrator{
		account:    account,
		accountKey: model.AddressKey(account),
		deps:       deps,
		cfg:        cfg,
		fetch:      newFetchers(deps, cfg, logger),
		logger:     logger,
		positions:  make(map[string]model.StakePosition),
		holdings:   make(map[string]model.UnstakedHolding),
		phases:     make(map[string]model.Phase),
		active:     make(map[string]*stream.Projector),
		visible:    true,
		subs:       make(map[int]chan Snapshot),
	}, nil
}

// Account returns the account this orchestrator serves.
func (o *Orchestrator) Account() common.Address { return o.account }

// Load runs a full refresh cycle: indexer query, reconciliation, on-chain
// reads, then metadata. Only an indexer failure is returned.
func (o *Orchestrator) Load(ctx context.Context) error {
	return o.refreshAll(ctx, false)
}

// RefreshAll rebuilds every position and holding from the indexer.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	return o.refreshAll(ctx, false)
}

// ForceRefresh is RefreshAll with every cache TTL bypassed.
func (o *Orchestrator) ForceRefresh(ctx context.Context) error {
	return o.refreshAll(ctx, true)
}

func (o *Orchestrator) refreshAll(ctx context.Context, force bool) error {
	if o.isClosed() {
		return ErrClosed
	}
	key := "all"
	if force {
		key = "all:force"
	}
	_, err, _ := o.group.Do(key, func() (any, error) {
		return nil, o.runCycle(ctx, force)
	})
	return err
}

func (o *Orchestrator) runCycle(ctx context.Context, force bool) error {
	scope := "all"
	timer := prometheus.NewTimer(metrics.RefreshDuration.WithLabelValues(scope))
	defer timer.ObserveDuration()

	cycleID := uuid.NewString()
	logger := o.logger.With(zap.String("cycle", cycleID), zap.Bool("force", force))
	opts := fetchOptions(force)

	record, err := o.deps.Indexer.Query(ctx, o.account)
	if err != nil {
		metrics.RefreshErrors.WithLabelValues(scope).Inc()
		logger.Warn("indexer query failed", zap.Error(err))
		o.mu.Lock()
		o.cycleID = cycleID
		o.loadErr = err
		o.updatedAt = o.cfg.Clock.Now()
		o.mu.Unlock()
		o.publish()
		return fmt.Errorf("query indexer: %w", err)
	}

	builder := position.NewBuilder(o.metadataFunc(opts), position.Options{
		Blacklist:             o.cfg.Blacklist,
		IncludeNativeHoldings: o.cfg.IncludeNativeHoldings,
		Clock:                 o.cfg.Clock,
		Logger:                o.logger,
	})
	built := builder.Build(ctx, record)
	position.SortPositions(built.Positions)

	o.replace(cycleID, built)
	o.publish()

	keys := o.trackedKeys()
	o.loadBalances(ctx, keys, opts)
	o.publish()
	// The builder already refreshed metadata for every tracked token.
	o.loadMetadata(ctx, keys, nil)
	o.publish()

	logger.Info("refresh cycle complete",
		zap.Int("positions", len(built.Positions)),
		zap.Int("holdings", len(built.Holdings)),
	)
	return ctx.Err()
}

// refreshTokens re-reads the given tracked tokens without querying the indexer.
func (o *Orchestrator) refreshTokens(ctx context.Context, scope string, keys []string, force bool) error {
	timer := prometheus.NewTimer(metrics.RefreshDuration.WithLabelValues(scope))
	defer timer.ObserveDuration()

	opts := fetchOptions(force)

	o.mu.Lock()
	for _, key := range keys {
		if _, ok := o.phases[key]; ok {
			o.phases[key] = model.PhaseInitial
		}
	}
	o.mu.Unlock()
	o.publish()

	o.loadBalances(ctx, keys, opts)
	o.publish()
	o.loadMetadata(ctx, keys, opts)
	o.publish()

	if err := ctx.Err(); err != nil {
		metrics.RefreshErrors.WithLabelValues(scope).Inc()
		return err
	}
	return nil
}

// replace swaps in a freshly built result; every token restarts at PhaseInitial.
func (o *Orchestrator) replace(cycleID string, built position.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cycleID = cycleID
	o.loaded = true
	o.loadErr = nil
	o.updatedAt = o.cfg.Clock.Now()
	o.positions = make(map[string]model.StakePosition, len(built.Positions))
	o.positionKeys = make([]string, 0, len(built.Positions))
	o.holdings = make(map[string]model.UnstakedHolding, len(built.Holdings))
	o.holdingKeys = make([]string, 0, len(built.Holdings))
	o.phases = make(map[string]model.Phase, len(built.Positions)+len(built.Holdings))

	for _, pos := range built.Positions {
		key := model.AddressKey(pos.TokenAddress)
		o.positions[key] = pos
		o.positionKeys = append(o.positionKeys, key)
		o.phases[key] = model.PhaseInitial
	}
	for _, h := range built.Holdings {
		key := model.AddressKey(h.TokenAddress)
		o.holdings[key] = h
		o.holdingKeys = append(o.holdingKeys, key)
		o.phases[key] = model.PhaseInitial
	}

	for key, projector := range o.active {
		pos, ok := o.positions[key]
		switch {
		case !ok && projector != nil:
			projector.Stop()
			o.active[key] = nil
		case ok && projector == nil:
			o.active[key] = o.startProjectorLocked(pos)
		}
	}
}

func (o *Orchestrator) loadBalances(ctx context.Context, keys []string, opts []batch.Option) {
	o.mu.RLock()
	tokens := make([]string, 0, len(keys))
	stakingContracts := make([]string, 0)
	pools := make([]string, 0)
	for _, key := range keys {
		if pos, ok := o.positions[key]; ok {
			tokens = append(tokens, key)
			if pos.StakingContractAddress != (common.Address{}) {
				stakingContracts = append(stakingContracts, model.AddressKey(pos.StakingContractAddress))
			}
			pools = append(pools, model.AddressKey(rewardPool(pos)))
			continue
		}
		if _, ok := o.holdings[key]; ok {
			tokens = append(tokens, key)
		}
	}
	o.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		balances  map[string]reading
		staked    map[string]reading
		connected map[string]connection
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		balances = o.fetch.balance.FetchMany(ctx, o.accountKey, tokens, opts...)
	}()
	go func() {
		defer wg.Done()
		staked = o.fetch.staked.FetchMany(ctx, o.accountKey, stakingContracts, opts...)
	}()
	go func() {
		defer wg.Done()
		connected = o.fetch.connected.FetchMany(ctx, o.accountKey, pools, opts...)
	}()
	wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range tokens {
		if pos, ok := o.positions[key]; ok {
			next := pos.Clone()
			bal := balances[key]
			if bal.known() {
				next.BaseAmount = model.FromWei(bal.Amount)
				next.LastObservedAt = bal.At
			}
			if next.StakingContractAddress != (common.Address{}) {
				if st := staked[model.AddressKey(next.StakingContractAddress)]; st.known() {
					next.StakedBalance = model.FromWei(st.Amount)
				}
			}
			if conn := connected[model.AddressKey(rewardPool(next))]; conn.Known {
				next.IsConnectedToRewardPool = conn.Connected
			}
			o.positions[key] = next
			o.phases[key] = model.PhaseBalancesLoaded
			if projector := o.active[key]; projector != nil && bal.known() {
				projector.Rebase(next.BaseAmount.InexactFloat64(), next.FlowRatePerSecond(), next.LastObservedAt)
			}
			continue
		}
		if h, ok := o.holdings[key]; ok {
			next := h.Clone()
			if bal := balances[key]; bal.known() {
				next.Balance = model.FromWei(bal.Amount)
			}
			o.holdings[key] = next
			o.phases[key] = model.PhaseBalancesLoaded
		}
	}
}

func (o *Orchestrator) loadMetadata(ctx context.Context, keys []string, opts []batch.Option) {
	metas := o.fetch.metadata.FetchMany(ctx, "", keys, opts...)

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range keys {
		meta, ok := metas[key]
		if !ok {
			continue
		}
		if pos, ok := o.positions[key]; ok {
			if meta.HasCanonicalPool() && meta.PoolAddress != pos.MembershipPoolAddress {
				o.demoteLocked(key, pos, meta)
				continue
			}
			next := pos.Clone()
			position.ApplyMetadata(&next, meta)
			o.positions[key] = next
			o.phases[key] = model.PhaseMetadataLoaded
			continue
		}
		if h, ok := o.holdings[key]; ok {
			next := h.Clone()
			position.ApplyHoldingMetadata(&next, meta)
			o.holdings[key] = next
			o.phases[key] = model.PhaseMetadataLoaded
		}
	}
}

// demoteLocked drops a position whose membership turned out not to be in the
// token's canonical pool. A positive balance stays tracked as a holding.
func (o *Orchestrator) demoteLocked(key string, pos model.StakePosition, meta model.TokenMetadata) {
	o.logger.Info("membership not in canonical pool, dropping position",
		zap.String("token", key),
		zap.String("membership", model.AddressKey(pos.MembershipPoolAddress)),
		zap.String("canonical", model.AddressKey(meta.PoolAddress)),
	)
	delete(o.positions, key)
	o.positionKeys = removeKey(o.positionKeys, key)
	if projector := o.active[key]; projector != nil {
		projector.Stop()
		o.active[key] = nil
	}

	if !pos.BaseAmount.IsPositive() {
		delete(o.phases, key)
		return
	}
	holding := model.UnstakedHolding{
		TokenAddress: pos.TokenAddress,
		Symbol:       pos.Symbol,
		Balance:      pos.BaseAmount,
	}
	position.ApplyHoldingMetadata(&holding, meta)
	if _, ok := o.holdings[key]; !ok {
		o.holdingKeys = append(o.holdingKeys, key)
	}
	o.holdings[key] = holding
	o.phases[key] = model.PhaseMetadataLoaded
}

func removeKey(keys []string, key string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

// metadataFunc feeds the position builder through the cached metadata fetcher.
func (o *Orchestrator) metadataFunc(opts []batch.Option) position.MetadataFunc {
	return func(ctx context.Context, tokens []string) map[string]model.TokenMetadata {
		return o.fetch.metadata.FetchMany(ctx, "", tokens, opts...)
	}
}

func (o *Orchestrator) trackedKeys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.positionKeys)+len(o.holdingKeys))
	keys = append(keys, o.positionKeys...)
	keys = append(keys, o.holdingKeys...)
	return keys
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Close stops polling and every projector and closes subscriber channels.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopPollingLocked()
	for key, projector := range o.active {
		if projector != nil {
			projector.Stop()
		}
		delete(o.active, key)
		metrics.ActiveTokens.Dec()
	}
	o.mu.Unlock()

	o.subMu.Lock()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.subMu.Unlock()
}

// rewardPool is the pool whose connection state matters for p.
func rewardPool(p model.StakePosition) common.Address {
	if p.CanonicalPoolAddress != (common.Address{}) {
		return p.CanonicalPoolAddress
	}
	return p.MembershipPoolAddress
}

func fetchOptions(force bool) []batch.Option {
	if force {
		return []batch.Option{batch.WithForce()}
	}
	return nil
}
