// Package position reconciles indexer account records into stake positions
// and unstaked holdings.
package position

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stakestream/internal/clock"
	"stakestream/internal/model"
)

// MetadataFunc resolves metadata for tokens, keyed by lowercase address.
// It must return a value for every token; failures surface as Known=false.
type MetadataFunc func(ctx context.Context, tokens []string) map[string]model.TokenMetadata

// Options tune which records the builder keeps.
type Options struct {
	Blacklist             model.Blacklist
	IncludeNativeHoldings bool
	Clock                 clock.Clock
	Logger                *zap.Logger
}

// Result is the reconciled view of one account.
type Result struct {
	Positions []model.StakePosition
	Holdings  []model.UnstakedHolding
}

// Builder turns indexer records into positions and holdings.
type Builder struct {
	metadata MetadataFunc
	opts     Options
	logger   *zap.Logger
}

// NewBuilder builds a Builder. A nil metadata func means no canonical pool is ever known.
func NewBuilder(metadata MetadataFunc, opts Options) *Builder {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{metadata: metadata, opts: opts, logger: logger}
}

type candidate struct {
	tokenKey string
	position model.StakePosition
}

type snapshot struct {
	tokenKey   string
	token      model.SubgraphToken
	balance    *big.Int
	observedAt time.Time
}

// Build reconciles record. Positions keep only memberships of the canonical
// pool (or of tokens with no known canonical pool), one per token with the
// most units. Snapshot balances not claimed by a position become holdings.
func (b *Builder) Build(ctx context.Context, record model.AccountRecord) Result {
	now := b.opts.Clock.Now()

	candidates := b.candidates(record.PoolMemberships)
	snapshots := b.snapshots(record.AccountTokenSnapshots)

	tokens := make([]string, 0, len(candidates)+len(snapshots))
	for _, c := range candidates {
		tokens = append(tokens, c.tokenKey)
	}
	for _, s := range snapshots {
		tokens = append(tokens, s.tokenKey)
	}
	metas := b.lookup(ctx, tokens)

	best := make(map[string]model.StakePosition)
	order := make([]string, 0)
	for _, c := range candidates {
		meta := metas[c.tokenKey]
		if meta.HasCanonicalPool() && meta.PoolAddress != c.position.MembershipPoolAddress {
			b.logger.Debug("membership not in canonical pool",
				zap.String("token", c.tokenKey),
				zap.String("pool", model.AddressKey(c.position.MembershipPoolAddress)),
				zap.String("canonical", model.AddressKey(meta.PoolAddress)),
			)
			continue
		}
		pos := c.position
		pos.CanonicalPoolAddress = meta.PoolAddress
		pos.StakingContractAddress = meta.StakingAddress

		current, ok := best[c.tokenKey]
		if !ok {
			order = append(order, c.tokenKey)
			best[c.tokenKey] = pos
			continue
		}
		if pos.MemberUnits.Cmp(current.MemberUnits) > 0 {
			best[c.tokenKey] = pos
		}
	}

	holdings := dedupeHoldings(snapshots)
	byToken := make(map[string]snapshot, len(holdings))
	for _, s := range holdings {
		byToken[s.tokenKey] = s
	}

	result := Result{
		Positions: make([]model.StakePosition, 0, len(order)),
		Holdings:  make([]model.UnstakedHolding, 0),
	}
	for _, key := range order {
		pos := best[key]
		if snap, ok := byToken[key]; ok {
			pos.BaseAmount = model.FromWei(snap.balance)
			pos.LastObservedAt = snap.observedAt
			if pos.LastObservedAt.IsZero() {
				pos.LastObservedAt = now
			}
		} else {
			pos.BaseAmount = decimal.Zero
			pos.LastObservedAt = now
		}
		result.Positions = append(result.Positions, pos)
	}

	for _, snap := range holdings {
		if _, staked := best[snap.tokenKey]; staked {
			continue
		}
		result.Holdings = append(result.Holdings, model.UnstakedHolding{
			TokenAddress:            common.HexToAddress(snap.tokenKey),
			Symbol:                  snap.token.Symbol,
			Balance:                 model.FromWei(snap.balance),
			IsNativeAssetSuperToken: snap.token.IsNativeAssetSuperToken,
		})
	}

	return result
}

func (b *Builder) candidates(memberships []model.PoolMembership) []candidate {
	out := make([]candidate, 0, len(memberships))
	for _, m := range memberships {
		token := m.Pool.Token
		if token.IsNativeAssetSuperToken {
			continue
		}
		if !common.IsHexAddress(token.ID) || !common.IsHexAddress(m.Pool.ID) {
			b.logger.Warn("skip membership with malformed address", zap.String("membership", m.ID))
			continue
		}
		if b.opts.Blacklist.Contains(token.ID) {
			continue
		}
		units, err := model.ParseBigInt(m.Units)
		if err != nil {
			b.logger.Warn("skip membership", zap.String("membership", m.ID), zap.Error(err))
			continue
		}
		if units.Sign() <= 0 {
			continue
		}
		totalUnits, err := model.ParseBigInt(m.Pool.TotalUnits)
		if err != nil {
			b.logger.Warn("skip membership", zap.String("membership", m.ID), zap.Error(err))
			continue
		}
		flowRate, err := model.ParseBigInt(m.Pool.FlowRate)
		if err != nil {
			b.logger.Warn("skip membership", zap.String("membership", m.ID), zap.Error(err))
			continue
		}

		tokenAddr := common.HexToAddress(token.ID)
		out = append(out, candidate{
			tokenKey: model.AddressKey(tokenAddr),
			position: model.StakePosition{
				TokenAddress:            tokenAddr,
				Symbol:                  token.Symbol,
				MembershipPoolAddress:   common.HexToAddress(m.Pool.ID),
				MemberUnits:             units,
				TotalPoolUnits:          totalUnits,
				TotalPoolFlowRate:       flowRate,
				UserFlowRate:            model.UserFlowRatePerDay(flowRate, units, totalUnits),
				StakedBalance:           decimal.Zero,
				IsConnectedToRewardPool: m.IsConnected,
			},
		})
	}
	return out
}

func (b *Builder) snapshots(records []model.TokenSnapshot) []snapshot {
	out := make([]snapshot, 0, len(records))
	for _, s := range records {
		if s.Token.IsNativeAssetSuperToken && !b.opts.IncludeNativeHoldings {
			continue
		}
		if !common.IsHexAddress(s.Token.ID) || b.opts.Blacklist.Contains(s.Token.ID) {
			continue
		}
		balance, err := model.ParseBigInt(s.BalanceUntilUpdatedAt)
		if err != nil {
			b.logger.Warn("skip snapshot", zap.String("token", s.Token.ID), zap.Error(err))
			continue
		}
		if balance.Sign() <= 0 {
			continue
		}
		out = append(out, snapshot{
			tokenKey:   strings.ToLower(s.Token.ID),
			token:      s.Token,
			balance:    balance,
			observedAt: parseTimestamp(s.UpdatedAtTimestamp),
		})
	}
	return out
}

func (b *Builder) lookup(ctx context.Context, tokens []string) map[string]model.TokenMetadata {
	if b.metadata == nil || len(tokens) == 0 {
		return map[string]model.TokenMetadata{}
	}
	metas := b.metadata(ctx, tokens)
	if metas == nil {
		return map[string]model.TokenMetadata{}
	}
	return metas
}

// dedupeHoldings returns one snapshot per token, the one with the larger
// balance, in first-seen order.
func dedupeHoldings(snapshots []snapshot) []snapshot {
	index := make(map[string]int, len(snapshots))
	out := make([]snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		i, ok := index[s.tokenKey]
		if !ok {
			index[s.tokenKey] = len(out)
			out = append(out, s)
			continue
		}
		if s.balance.Cmp(out[i].balance) > 0 {
			out[i] = s
		}
	}
	return out
}

func parseTimestamp(value string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// SortPositions orders positions by descending flow rate, then token address.
func SortPositions(positions []model.StakePosition) {
	sort.SliceStable(positions, func(i, j int) bool {
		cmp := positions[i].UserFlowRate.Cmp(positions[j].UserFlowRate)
		if cmp != 0 {
			return cmp > 0
		}
		return model.AddressKey(positions[i].TokenAddress) < model.AddressKey(positions[j].TokenAddress)
	})
}
