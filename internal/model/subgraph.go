package model

// SubgraphToken is the token shape shared by memberships and snapshots.
type SubgraphToken struct {
	ID                      string `json:"id"`
	Symbol                  string `json:"symbol"`
	IsNativeAssetSuperToken bool   `json:"isNativeAssetSuperToken"`
}

// SubgraphPool is the pool referenced by a membership.
type SubgraphPool struct {
	ID         string        `json:"id"`
	TotalUnits string        `json:"totalUnits"`
	FlowRate   string        `json:"flowRate"`
	Token      SubgraphToken `json:"token"`
}

// PoolMembership records an account's share of a distribution pool.
type PoolMembership struct {
	ID          string       `json:"id"`
	Units       string       `json:"units"`
	IsConnected bool         `json:"isConnected"`
	Pool        SubgraphPool `json:"pool"`
}

// TokenSnapshot is the indexer's view of an account balance for one token.
type TokenSnapshot struct {
	BalanceUntilUpdatedAt string        `json:"balanceUntilUpdatedAt"`
	UpdatedAtTimestamp    string        `json:"updatedAtTimestamp"`
	TotalNetFlowRate      string        `json:"totalNetFlowRate"`
	Token                 SubgraphToken `json:"token"`
}

// AccountRecord is the indexer response for one account.
type AccountRecord struct {
	ID                    string           `json:"id"`
	PoolMemberships       []PoolMembership `json:"poolMemberships"`
	AccountTokenSnapshots []TokenSnapshot  `json:"accountTokenSnapshots"`
}
