package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements create the ledger tables. Entries are append-only; the partial unique
// index on (channel, external_reference_id) is the deduplication contract and must survive
// every future migration.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		owner_email TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL,
		unlimited BOOLEAN NOT NULL DEFAULT FALSE,
		amount_minor_units BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		channel TEXT NOT NULL,
		external_reference_id TEXT,
		subscription_reference TEXT,
		product_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		recurring BOOLEAN NOT NULL DEFAULT FALSE,
		recurring_interval TEXT,
		status TEXT NOT NULL CHECK (status IN ('pending', 'confirmed', 'failed')),
		is_redemption BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT ledger_entries_quantity_check CHECK (
			(unlimited AND quantity = 0) OR (NOT unlimited AND quantity <> 0)
		),
		CONSTRAINT ledger_entries_redemption_check CHECK (
			NOT is_redemption OR (quantity = -1 AND status = 'confirmed')
		)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_channel_external_reference_key
		ON ledger_entries (channel, external_reference_id)
		WHERE external_reference_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_owner_idx ON ledger_entries (owner_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_subscription_idx
		ON ledger_entries (channel, subscription_reference, updated_at DESC)
		WHERE subscription_reference IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_pending_idx
		ON ledger_entries (created_at)
		WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS consultation_requests (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		question TEXT NOT NULL,
		language TEXT,
		redemption_entry_id UUID NOT NULL UNIQUE REFERENCES ledger_entries (id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the ledger schema. Statements are idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
