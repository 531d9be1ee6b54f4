package model

import "github.com/ethereum/go-ethereum/common"

// MarketData is a point-in-time market snapshot from the metadata store.
type MarketData struct {
	PriceUSD     float64 `json:"price_usd"`
	Change24h    float64 `json:"change_24h"`
	MarketCapUSD float64 `json:"market_cap_usd"`
}

// TokenMetadata is the metadata store record for one token.
// Known is false for fallback entries produced after a failed lookup.
type TokenMetadata struct {
	Token               common.Address `json:"token"`
	Symbol              string         `json:"symbol,omitempty"`
	StakingAddress      common.Address `json:"staking_address"`
	PoolAddress         common.Address `json:"pool_address"`
	LogoURL             string         `json:"logo_url,omitempty"`
	LockDurationSeconds uint64         `json:"lock_duration_seconds"`
	Market              *MarketData    `json:"market,omitempty"`
	Known               bool           `json:"known"`
}

// HasCanonicalPool reports whether the store names an official pool for the token.
func (m TokenMetadata) HasCanonicalPool() bool {
	return m.Known && m.PoolAddress != (common.Address{})
}

// HasStakingContract reports whether the store names a staking contract for the token.
func (m TokenMetadata) HasStakingContract() bool {
	return m.Known && m.StakingAddress != (common.Address{})
}
