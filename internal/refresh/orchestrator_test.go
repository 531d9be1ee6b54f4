package refresh

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakestream/internal/cache"
	"stakestream/internal/clock"
	"stakestream/internal/model"
	"stakestream/internal/stream"
)

var (
	start   = time.Unix(1700000000, 0).UTC()
	account = common.HexToAddress("0x9999999999999999999999999999999999999999")
	tokenX  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenY  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	poolX   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	poolZ   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	stakeX  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type fakeIndexer struct {
	mu     sync.Mutex
	record model.AccountRecord
	err    error
	calls  int
}

func (f *fakeIndexer) Query(context.Context, common.Address) (model.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.record, f.err
}

type fakeChain struct {
	mu           sync.Mutex
	balances     map[common.Address]*big.Int
	connected    map[common.Address]bool
	err          error
	balanceCalls map[common.Address]int
	connCalls    int
	// gate, when set, holds balance reads until closed; entered reports the first one.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeChain) BatchBalanceOf(_ context.Context, _ common.Address, contracts []common.Address) (map[common.Address]*big.Int, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceCalls == nil {
		f.balanceCalls = make(map[common.Address]int)
	}
	for _, c := range contracts {
		f.balanceCalls[c]++
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[common.Address]*big.Int)
	for _, c := range contracts {
		if bal, ok := f.balances[c]; ok {
			out[c] = bal
		}
	}
	return out, nil
}

func (f *fakeChain) BatchIsMemberConnected(_ context.Context, _ common.Address, pools []common.Address) (map[common.Address]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[common.Address]bool)
	for _, p := range pools {
		if v, ok := f.connected[p]; ok {
			out[p] = v
		}
	}
	return out, nil
}

func (f *fakeChain) calls(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls[addr]
}

type fakeMetadata struct {
	mu    sync.Mutex
	metas map[string]model.TokenMetadata
	calls int
}

func (f *fakeMetadata) FetchBatch(_ context.Context, toks []string) (map[string]model.TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[string]model.TokenMetadata, len(toks))
	for _, tok := range toks {
		if meta, ok := f.metas[tok]; ok {
			out[tok] = meta
			continue
		}
		out[tok] = model.TokenMetadata{Token: common.HexToAddress(tok)}
	}
	return out, nil
}

type fixture struct {
	orch    *Orchestrator
	clk     *clock.Manual
	indexer *fakeIndexer
	chain   *fakeChain
	meta    *fakeMetadata
}

func defaultRecord() model.AccountRecord {
	return model.AccountRecord{
		ID: model.AddressKey(account),
		PoolMemberships: []model.PoolMembership{{
			ID:          "m1",
			Units:       "1",
			IsConnected: false,
			Pool: model.SubgraphPool{
				ID:         model.AddressKey(poolX),
				TotalUnits: "1",
				FlowRate:   "1000000000000000000",
				Token:      model.SubgraphToken{ID: model.AddressKey(tokenX), Symbol: "X"},
			},
		}},
		AccountTokenSnapshots: []model.TokenSnapshot{
			{
				BalanceUntilUpdatedAt: tokens(10).String(),
				UpdatedAtTimestamp:    "1699999990",
				Token:                 model.SubgraphToken{ID: model.AddressKey(tokenX), Symbol: "X"},
			},
			{
				BalanceUntilUpdatedAt: tokens(50).String(),
				UpdatedAtTimestamp:    "1699999990",
				Token:                 model.SubgraphToken{ID: model.AddressKey(tokenY), Symbol: "Y"},
			},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(start)
	f := &fixture{
		clk:     clk,
		indexer: &fakeIndexer{record: defaultRecord()},
		chain: &fakeChain{
			balances: map[common.Address]*big.Int{
				tokenX: tokens(12),
				tokenY: tokens(55),
				stakeX: tokens(100),
			},
			connected: map[common.Address]bool{poolX: true},
		},
		meta: &fakeMetadata{metas: map[string]model.TokenMetadata{
			model.AddressKey(tokenX): {
				Token:               tokenX,
				Symbol:              "X",
				StakingAddress:      stakeX,
				PoolAddress:         poolX,
				LogoURL:             "https://img/x.png",
				LockDurationSeconds: 3600,
				Market:              &model.MarketData{PriceUSD: 2},
				Known:               true,
			},
		}},
	}

	orch, err := New(account, Deps{
		Indexer:  f.indexer,
		Chain:    f.chain,
		Metadata: f.meta,
		Cache:    cache.New(clk, cache.DefaultTTLs),
	}, Config{
		RefreshInterval: 30 * time.Second,
		Stream:          stream.Config{Interval: 500 * time.Millisecond},
		Clock:           clk,
		Scheduler:       clk,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	f.orch = orch
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(account, Deps{Chain: &fakeChain{}}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(account, Deps{Indexer: &fakeIndexer{}}, Config{}, nil)
	assert.Error(t, err)
}

func TestLoadReconcilesAllPhases(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Load(context.Background()))

	snap := f.orch.Snapshot()
	assert.True(t, snap.Loaded)
	assert.NotEmpty(t, snap.CycleID)
	assert.NoError(t, snap.Err)

	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.Equal(t, tokenX, pos.TokenAddress)
	assert.Equal(t, model.PhaseMetadataLoaded, pos.Phase)
	assert.True(t, pos.BaseAmount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, start, pos.LastObservedAt)
	assert.True(t, pos.StakedBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.IsConnectedToRewardPool)
	assert.Equal(t, stakeX, pos.StakingContractAddress)
	assert.Equal(t, "https://img/x.png", pos.LogoURL)
	assert.Equal(t, uint64(3600), pos.LockDurationSeconds)
	assert.InDelta(t, 12.0, pos.LiveBalance, 1e-9)
	assert.InDelta(t, 24.0, pos.LiveValueUSD, 1e-9)

	require.Len(t, snap.Holdings, 1)
	holding := snap.Holdings[0]
	assert.Equal(t, tokenY, holding.TokenAddress)
	assert.True(t, holding.Balance.Equal(decimal.NewFromInt(55)))
	assert.Equal(t, model.PhaseMetadataLoaded, holding.Phase)
}

func TestLoadKeepsPlaceholderOnChainFailure(t *testing.T) {
	f := newFixture(t)
	f.chain.err = errors.New("rpc down")
	require.NoError(t, f.orch.Load(context.Background()))

	snap := f.orch.Snapshot()
	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.True(t, pos.BaseAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, time.Unix(1699999990, 0).UTC(), pos.LastObservedAt)
	assert.True(t, pos.StakedBalance.IsZero())
	assert.False(t, pos.IsConnectedToRewardPool)
	assert.Equal(t, model.PhaseMetadataLoaded, pos.Phase)

	require.Len(t, snap.Holdings, 1)
	assert.True(t, snap.Holdings[0].Balance.Equal(decimal.NewFromInt(50)))
}

func TestLoadIndexerFailure(t *testing.T) {
	f := newFixture(t)
	f.indexer.err = errors.New("indexer down")

	err := f.orch.Load(context.Background())
	require.Error(t, err)

	snap := f.orch.Snapshot()
	assert.False(t, snap.Loaded)
	assert.Error(t, snap.Err)
	assert.Contains(t, snap.Error, "indexer down")

	f.indexer.err = nil
	require.NoError(t, f.orch.Load(context.Background()))
	assert.NoError(t, f.orch.Snapshot().Err)
}

func TestSecondLoadWithinTTLUsesCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Load(context.Background()))
	require.Equal(t, 1, f.chain.calls(tokenX))
	require.Equal(t, 1, f.meta.calls)

	f.clk.Advance(30 * time.Second)
	require.NoError(t, f.orch.RefreshAll(context.Background()))
	assert.Equal(t, 2, f.indexer.calls)
	assert.Equal(t, 1, f.chain.calls(tokenX))
	assert.Equal(t, 1, f.chain.calls(stakeX))
	assert.Equal(t, 1, f.meta.calls)
}

func TestForceRefreshBypassesCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Load(context.Background()))

	require.NoError(t, f.orch.ForceRefresh(context.Background()))
	assert.Equal(t, 2, f.chain.calls(tokenX))
	assert.Equal(t, 2, f.chain.calls(tokenY))
	assert.Equal(t, 2, f.chain.calls(stakeX))
	assert.Equal(t, 2, f.meta.calls)
}

func TestRegisterActiveProjects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Load(context.Background()))
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))
	assert.Equal(t, []string{model.AddressKey(tokenX)}, f.orch.Active())
	assert.Equal(t, 1, f.clk.Pending())

	f.clk.Advance(time.Second)
	live, ok := f.orch.LiveBalance(tokenX.Hex())
	require.True(t, ok)
	assert.InDelta(t, 13.0, live, 1e-9)

	live, ok = f.orch.LiveBalance(tokenY.Hex())
	require.True(t, ok)
	assert.Equal(t, 55.0, live)

	_, ok = f.orch.LiveBalance("0x0000000000000000000000000000000000000001")
	assert.False(t, ok)

	require.NoError(t, f.orch.UnregisterActive(tokenX.Hex()))
	assert.Equal(t, 0, f.clk.Pending())
	assert.Empty(t, f.orch.Active())
}

func TestInactiveLiveBalanceProjectsOnDemand(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Load(context.Background()))
	f.clk.Advance(2 * time.Second)

	live, ok := f.orch.LiveBalance(tokenX.Hex())
	require.True(t, ok)
	assert.InDelta(t, 14.0, live, 1e-9)
}

func TestRegisterBeforeLoadStartsProjectorLater(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))
	assert.Equal(t, 0, f.clk.Pending())

	require.NoError(t, f.orch.Load(context.Background()))
	assert.Equal(t, 1, f.clk.Pending())
}

func TestRegisterActiveRejectsInvalidAddress(t *testing.T) {
	f := newFixture(t)
	err := f.orch.RegisterActive("not-an-address")
	assert.ErrorIs(t, err, model.ErrInvalidAddress)
	assert.Equal(t, 0, f.indexer.calls)
}

func TestRefreshOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.orch.RefreshOne(ctx, "0x12"), model.ErrInvalidAddress)
	assert.ErrorIs(t, f.orch.RefreshOne(ctx, tokenX.Hex()), ErrUnknownToken)

	require.NoError(t, f.orch.Load(ctx))

	// Within TTL the cache answers.
	require.NoError(t, f.orch.RefreshOne(ctx, tokenX.Hex()))
	assert.Equal(t, 1, f.chain.calls(tokenX))

	f.chain.mu.Lock()
	f.chain.balances[tokenX] = tokens(20)
	f.chain.mu.Unlock()

	require.NoError(t, f.orch.RefreshOne(ctx, tokenX.Hex(), Force()))
	assert.Equal(t, 2, f.chain.calls(tokenX))
	assert.Equal(t, 1, f.chain.calls(tokenY))

	snap := f.orch.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].BaseAmount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, model.PhaseMetadataLoaded, snap.Positions[0].Phase)
}

func TestRefreshOneDropsPositionOutsideCanonicalPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keyX := model.AddressKey(tokenX)

	f.meta.mu.Lock()
	delete(f.meta.metas, keyX)
	f.meta.mu.Unlock()

	require.NoError(t, f.orch.Load(ctx))
	require.Len(t, f.orch.Snapshot().Positions, 1, "unknown canonical pool keeps the membership")
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))
	require.Equal(t, 1, f.clk.Pending())

	f.meta.mu.Lock()
	f.meta.metas[keyX] = model.TokenMetadata{
		Token:          tokenX,
		Symbol:         "X",
		StakingAddress: stakeX,
		PoolAddress:    poolZ,
		Known:          true,
	}
	f.meta.mu.Unlock()
	f.clk.Advance(4 * time.Minute)

	require.NoError(t, f.orch.RefreshOne(ctx, tokenX.Hex()))

	snap := f.orch.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 0, f.clk.Pending(), "projector stopped")
	assert.Equal(t, []string{keyX}, snap.Active)

	require.Len(t, snap.Holdings, 2)
	holding := snap.Holdings[1]
	assert.Equal(t, tokenX, holding.TokenAddress)
	assert.True(t, holding.Balance.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, model.PhaseMetadataLoaded, holding.Phase)
	require.NotNil(t, holding.StakingContractAddress)
	assert.Equal(t, stakeX, *holding.StakingContractAddress)

	live, ok := f.orch.LiveBalance(tokenX.Hex())
	require.True(t, ok)
	assert.Equal(t, 12.0, live)
}

func TestRefreshOneSharesInFlightFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Load(ctx))
	before := f.chain.calls(tokenX)

	f.chain.gate = make(chan struct{})
	f.chain.entered = make(chan struct{}, 1)

	const callers = 8
	errs := make(chan error, callers)
	go func() { errs <- f.orch.RefreshOne(ctx, tokenX.Hex(), Force()) }()
	select {
	case <-f.chain.entered:
	case <-time.After(time.Second):
		t.Fatal("first refresh never reached the chain")
	}
	for i := 1; i < callers; i++ {
		go func() { errs <- f.orch.RefreshOne(ctx, tokenX.Hex(), Force()) }()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.chain.gate)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, before+1, f.chain.calls(tokenX))
}

func TestFailedReadDoesNotRebaseProjector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Load(ctx))
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))
	f.clk.Advance(time.Second)

	f.chain.mu.Lock()
	f.chain.err = errors.New("rpc down")
	f.chain.mu.Unlock()
	require.NoError(t, f.orch.ForceRefresh(ctx))

	snap := f.orch.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].BaseAmount.Equal(decimal.NewFromInt(10)), "indexer placeholder kept")
	assert.InDelta(t, 13.0, snap.Positions[0].LiveBalance, 1e-9, "projection keeps the on-chain trajectory")
}

func TestRebaseOnRefreshAdoptsNewBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Load(ctx))
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))

	f.chain.mu.Lock()
	f.chain.balances[tokenX] = tokens(40)
	f.chain.mu.Unlock()
	require.NoError(t, f.orch.RefreshOne(ctx, tokenX.Hex(), Force()))

	live, _ := f.orch.LiveBalance(tokenX.Hex())
	assert.InDelta(t, 40.0, live, 1e-9)
}

func TestPollingRefreshesActiveTokensOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Load(ctx))
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))

	stop := f.orch.StartPolling(ctx)
	defer stop()

	// 30s and 60s polls are inside the critical TTL.
	f.clk.Advance(60 * time.Second)
	assert.Equal(t, 1, f.chain.calls(tokenX))

	f.clk.Advance(30 * time.Second)
	assert.Equal(t, 2, f.chain.calls(tokenX))
	assert.Equal(t, 1, f.chain.calls(tokenY))
	assert.Equal(t, 1, f.indexer.calls)

	stop()
	f.clk.Advance(10 * time.Minute)
	assert.Equal(t, 2, f.chain.calls(tokenX))
}

func TestSetVisiblePausesProjectors(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Load(context.Background()))
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))
	require.Equal(t, 1, f.clk.Pending())

	f.orch.SetVisible(false)
	assert.Equal(t, 0, f.clk.Pending())

	f.clk.Advance(5 * time.Second)
	f.orch.SetVisible(true)
	assert.Equal(t, 1, f.clk.Pending())
	live, _ := f.orch.LiveBalance(tokenX.Hex())
	assert.InDelta(t, 17.0, live, 1e-9)
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.orch.Subscribe()
	defer cancel()

	require.NoError(t, f.orch.Load(context.Background()))

	select {
	case snap := <-updates:
		require.Len(t, snap.Positions, 1)
		assert.Equal(t, model.PhaseMetadataLoaded, snap.Positions[0].Phase)
	default:
		t.Fatal("expected a snapshot")
	}

	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestCloseStopsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Load(ctx))
	require.NoError(t, f.orch.RegisterActive(tokenX.Hex()))
	f.orch.StartPolling(ctx)
	updates, _ := f.orch.Subscribe()

	f.orch.Close()
	assert.Equal(t, 0, f.clk.Pending())
	_, open := <-updates
	assert.False(t, open)

	late, cancel := f.orch.Subscribe()
	_, open = <-late
	assert.False(t, open)
	cancel()
	assert.ErrorIs(t, f.orch.Load(ctx), ErrClosed)
	assert.ErrorIs(t, f.orch.RegisterActive(tokenX.Hex()), ErrClosed)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clk.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, f.clk.Pending())
}
