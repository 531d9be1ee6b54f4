package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stakestream/internal/storage"
)

// Schema creates the snapshot table.
const Schema = `
CREATE TABLE IF NOT EXISTS stake_snapshots (
	cycle_id          TEXT        NOT NULL,
	account           TEXT        NOT NULL,
	token             TEXT        NOT NULL,
	kind              TEXT        NOT NULL,
	symbol            TEXT        NOT NULL DEFAULT '',
	phase             TEXT        NOT NULL,
	balance           NUMERIC     NOT NULL,
	live_balance      DOUBLE PRECISION NOT NULL,
	flow_rate_per_day NUMERIC     NOT NULL,
	staked_balance    NUMERIC     NOT NULL,
	member_units      TEXT        NOT NULL DEFAULT '',
	pool              TEXT        NOT NULL DEFAULT '',
	staking_contract  TEXT        NOT NULL DEFAULT '',
	connected         BOOLEAN     NOT NULL DEFAULT false,
	value_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
	observed_at       TIMESTAMPTZ,
	exported_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (cycle_id, account, token, kind)
)`

// Store exports snapshot rows to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the snapshot table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// PutRows upserts rows keyed by cycle, account, token and kind.
func (s *Store) PutRows(ctx context.Context, rows []storage.Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		var observedAt any
		if !r.ObservedAt.IsZero() {
			observedAt = r.ObservedAt
		}
		batch.Queue(`
			INSERT INTO stake_snapshots (
				cycle_id, account, token, kind, symbol, phase, balance, live_balance,
				flow_rate_per_day, staked_balance, member_units, pool, staking_contract,
				connected, value_usd, observed_at, exported_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (cycle_id, account, token, kind)
			DO UPDATE SET
				symbol = EXCLUDED.symbol,
				phase = EXCLUDED.phase,
				balance = EXCLUDED.balance,
				live_balance = EXCLUDED.live_balance,
				flow_rate_per_day = EXCLUDED.flow_rate_per_day,
				staked_balance = EXCLUDED.staked_balance,
				member_units = EXCLUDED.member_units,
				pool = EXCLUDED.pool,
				staking_contract = EXCLUDED.staking_contract,
				connected = EXCLUDED.connected,
				value_usd = EXCLUDED.value_usd,
				observed_at = EXCLUDED.observed_at,
				exported_at = EXCLUDED.exported_at
		`,
			r.CycleID,
			r.Account,
			r.Token,
			r.Kind,
			r.Symbol,
			r.Phase,
			r.Balance.String(),
			r.LiveBalance,
			r.FlowRatePerDay.String(),
			r.StakedBalance.String(),
			r.MemberUnits,
			r.Pool,
			r.StakingContract,
			r.Connected,
			r.ValueUSD,
			observedAt,
			r.ExportedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
