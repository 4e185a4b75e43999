package ledger

import (
	"context"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

const (
	VaultTable               = models.VaultTableName
	SnapshotBlockTable       = models.SnapshotBlockTableName
	VaultSnapshotBlockTable  = models.VaultSnapshotBlockTableName
	WalletVaultSnapshotTable = models.WalletVaultSnapshotTableName
	UserTable                = models.UserTableName
	ReferralTable            = models.ReferralTableName
)

// Identifiers are quoted camel case; the web app shares these tables.

func (db *DB) initVaults(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "Vault" (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL UNIQUE,
			"oracleAddress" TEXT NOT NULL,
			decimals SMALLINT NOT NULL DEFAULT 18,
			"blockNumber" BIGINT NOT NULL
		)
	`)
}

func (db *DB) initSnapshotBlocks(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "SnapshotBlock" (
			id BIGSERIAL PRIMARY KEY,
			"blockNumber" BIGINT NOT NULL UNIQUE,
			"timestamp" TIMESTAMPTZ NOT NULL UNIQUE
		)
	`)
}

func (db *DB) initVaultSnapshotBlocks(ctx context.Context) error {
	if err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "VaultSnapshotBlock" (
			id BIGSERIAL PRIMARY KEY,
			"vaultId" BIGINT NOT NULL REFERENCES "Vault"(id),
			"snapshotBlockId" BIGINT NOT NULL REFERENCES "SnapshotBlock"(id),
			rate NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			holders INTEGER,
			UNIQUE ("vaultId", "snapshotBlockId")
		)
	`); err != nil {
		return err
	}
	// tables created before the holder count was tracked
	return db.Exec(ctx, `ALTER TABLE "VaultSnapshotBlock" ADD COLUMN IF NOT EXISTS holders INTEGER`)
}

func (db *DB) initWalletVaultSnapshots(ctx context.Context) error {
	if err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "WalletVaultSnapshot" (
			id BIGSERIAL PRIMARY KEY,
			"vaultSnapshotBlockId" BIGINT NOT NULL REFERENCES "VaultSnapshotBlock"(id),
			address TEXT NOT NULL,
			amount NUMERIC(78, 0) NOT NULL,
			UNIQUE ("vaultSnapshotBlockId", address)
		)
	`); err != nil {
		return err
	}
	return db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS "WalletVaultSnapshot_address_idx"
		ON "WalletVaultSnapshot" (lower(address))
	`)
}

func (db *DB) initUsers(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "User" (
			id BIGSERIAL PRIMARY KEY,
			"walletAddress" TEXT NOT NULL UNIQUE,
			"createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			"updatedAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
}

func (db *DB) initReferrals(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "Referral" (
			id BIGSERIAL PRIMARY KEY,
			"referrerUserId" BIGINT NOT NULL REFERENCES "User"(id),
			"refereeUserId" BIGINT NOT NULL UNIQUE REFERENCES "User"(id),
			"createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
}
