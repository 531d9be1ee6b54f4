// Package storage exports reconciled snapshots. Exports are write-only;
// nothing is read back into a session.
package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"stakestream/internal/model"
	"stakestream/internal/refresh"
)

// Sink receives exported rows.
type Sink interface {
	PutRows(ctx context.Context, rows []Row) error
}

const (
	KindStake   = "stake"
	KindHolding = "holding"
)

// Row is one position or holding of an exported snapshot.
type Row struct {
	CycleID         string          `json:"cycle_id"`
	Account         string          `json:"account"`
	Token           string          `json:"token"`
	Symbol          string          `json:"symbol"`
	Kind            string          `json:"kind"`
	Phase           string          `json:"phase"`
	Balance         decimal.Decimal `json:"balance"`
	LiveBalance     float64         `json:"live_balance"`
	FlowRatePerDay  decimal.Decimal `json:"flow_rate_per_day"`
	StakedBalance   decimal.Decimal `json:"staked_balance"`
	MemberUnits     string          `json:"member_units,omitempty"`
	Pool            string          `json:"pool,omitempty"`
	StakingContract string          `json:"staking_contract,omitempty"`
	Connected       bool            `json:"connected"`
	ValueUSD        float64         `json:"value_usd"`
	ObservedAt      time.Time       `json:"observed_at"`
	ExportedAt      time.Time       `json:"exported_at"`
}

// Rows flattens a snapshot, positions first.
func Rows(snap refresh.Snapshot, exportedAt time.Time) []Row {
	account := model.AddressKey(snap.Account)
	rows := make([]Row, 0, len(snap.Positions)+len(snap.Holdings))

	for _, p := range snap.Positions {
		row := Row{
			CycleID:        snap.CycleID,
			Account:        account,
			Token:          model.AddressKey(p.TokenAddress),
			Symbol:         p.Symbol,
			Kind:           KindStake,
			Phase:          p.Phase.String(),
			Balance:        p.BaseAmount,
			LiveBalance:    p.LiveBalance,
			FlowRatePerDay: p.UserFlowRate,
			StakedBalance:  p.StakedBalance,
			Pool:           model.AddressKey(p.MembershipPoolAddress),
			Connected:      p.IsConnectedToRewardPool,
			ValueUSD:       p.LiveValueUSD,
			ObservedAt:     p.LastObservedAt,
			ExportedAt:     exportedAt,
		}
		if p.MemberUnits != nil {
			row.MemberUnits = p.MemberUnits.String()
		}
		if p.StakingContractAddress != (common.Address{}) {
			row.StakingContract = model.AddressKey(p.StakingContractAddress)
		}
		rows = append(rows, row)
	}

	for _, h := range snap.Holdings {
		row := Row{
			CycleID:        snap.CycleID,
			Account:        account,
			Token:          model.AddressKey(h.TokenAddress),
			Symbol:         h.Symbol,
			Kind:           KindHolding,
			Phase:          h.Phase.String(),
			Balance:        h.Balance,
			LiveBalance:    h.Balance.InexactFloat64(),
			FlowRatePerDay: decimal.Zero,
			StakedBalance:  decimal.Zero,
			ExportedAt:     exportedAt,
		}
		if h.StakingContractAddress != nil {
			row.StakingContract = model.AddressKey(*h.StakingContractAddress)
		}
		if h.Market != nil {
			row.ValueUSD = row.LiveBalance * h.Market.PriceUSD
		}
		rows = append(rows, row)
	}
	return rows
}
