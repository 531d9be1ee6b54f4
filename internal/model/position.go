package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Phase is the load state of a tracked token within one refresh cycle.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitial
	PhaseBalancesLoaded
	PhaseMetadataLoaded
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitial:
		return "initial"
	case PhaseBalancesLoaded:
		return "balances-loaded"
	case PhaseMetadataLoaded:
		return "metadata-loaded"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StakePosition is a reconciled membership in a token's canonical reward pool.
type StakePosition struct {
	TokenAddress            common.Address  `json:"token_address"`
	Symbol                  string          `json:"symbol"`
	StakingContractAddress  common.Address  `json:"staking_contract_address"`
	CanonicalPoolAddress    common.Address  `json:"canonical_pool_address"`
	MembershipPoolAddress   common.Address  `json:"membership_pool_address"`
	MemberUnits             *big.Int        `json:"member_units"`
	TotalPoolUnits          *big.Int        `json:"total_pool_units"`
	TotalPoolFlowRate       *big.Int        `json:"total_pool_flow_rate"`
	UserFlowRate            decimal.Decimal `json:"user_flow_rate"`
	BaseAmount              decimal.Decimal `json:"base_amount"`
	LastObservedAt          time.Time       `json:"last_observed_at"`
	StakedBalance           decimal.Decimal `json:"staked_balance"`
	LockDurationSeconds     uint64          `json:"lock_duration_seconds"`
	IsConnectedToRewardPool bool            `json:"is_connected_to_reward_pool"`
	LogoURL                 string          `json:"logo_url,omitempty"`
	Market                  *MarketData     `json:"market,omitempty"`
}

// FlowRatePerSecond is the user's share of the pool flow in token units per second.
func (p StakePosition) FlowRatePerSecond() float64 {
	return p.UserFlowRate.Div(decimal.NewFromInt(SecondsPerDay)).InexactFloat64()
}

// ValueUSD prices an amount with the position's market data; zero without a price.
func (p StakePosition) ValueUSD(amount float64) float64 {
	if p.Market == nil {
		return 0
	}
	return amount * p.Market.PriceUSD
}

// Clone returns a copy that shares no mutable state with p.
func (p StakePosition) Clone() StakePosition {
	out := p
	out.MemberUnits = cloneInt(p.MemberUnits)
	out.TotalPoolUnits = cloneInt(p.TotalPoolUnits)
	out.TotalPoolFlowRate = cloneInt(p.TotalPoolFlowRate)
	if p.Market != nil {
		market := *p.Market
		out.Market = &market
	}
	return out
}

// UnstakedHolding is a token balance not represented by any surviving StakePosition.
type UnstakedHolding struct {
	TokenAddress            common.Address  `json:"token_address"`
	Symbol                  string          `json:"symbol"`
	Balance                 decimal.Decimal `json:"balance"`
	StakingContractAddress  *common.Address `json:"staking_contract_address,omitempty"`
	IsNativeAssetSuperToken bool            `json:"is_native_asset_super_token"`
	LogoURL                 string          `json:"logo_url,omitempty"`
	Market                  *MarketData     `json:"market,omitempty"`
}

// Clone returns a copy that shares no mutable state with h.
func (h UnstakedHolding) Clone() UnstakedHolding {
	out := h
	if h.StakingContractAddress != nil {
		addr := *h.StakingContractAddress
		out.StakingContractAddress = &addr
	}
	if h.Market != nil {
		market := *h.Market
		out.Market = &market
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
