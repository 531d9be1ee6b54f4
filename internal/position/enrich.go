package position

import "stakestream/internal/model"

// ApplyMetadata copies display and staking fields from meta onto p.
// Unknown metadata leaves p untouched.
func ApplyMetadata(p *model.StakePosition, meta model.TokenMetadata) {
	if !meta.Known {
		return
	}
	if p.Symbol == "" {
		p.Symbol = meta.Symbol
	}
	if meta.HasStakingContract() {
		p.StakingContractAddress = meta.StakingAddress
	}
	if meta.HasCanonicalPool() {
		p.CanonicalPoolAddress = meta.PoolAddress
	}
	p.LogoURL = meta.LogoURL
	p.LockDurationSeconds = meta.LockDurationSeconds
	if meta.Market != nil {
		market := *meta.Market
		p.Market = &market
	}
}

// ApplyHoldingMetadata resolves the staking contract and display fields of h.
func ApplyHoldingMetadata(h *model.UnstakedHolding, meta model.TokenMetadata) {
	if !meta.Known {
		return
	}
	if h.Symbol == "" {
		h.Symbol = meta.Symbol
	}
	if meta.HasStakingContract() {
		addr := meta.StakingAddress
		h.StakingContractAddress = &addr
	}
	h.LogoURL = meta.LogoURL
	if meta.Market != nil {
		market := *meta.Market
		h.Market = &market
	}
}
