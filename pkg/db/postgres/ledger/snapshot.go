package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
	"github.com/otterfi/otter-point/pkg/db/postgres"
)

// LatestVaultSnapshotBlock returns the vault's newest committed snapshot, or nil when the vault has none.
func (db *DB) LatestVaultSnapshotBlock(ctx context.Context, vaultID int64) (*models.VaultSnapshotBlock, error) {
	var (
		vsb         models.VaultSnapshotBlock
		blockNumber int64
		rate        pgtype.Numeric
		price       pgtype.Numeric
		holders     pgtype.Int4
	)
	err := db.QueryRow(ctx, `
		SELECT vsb.id, vsb."vaultId", vsb."snapshotBlockId", sb."blockNumber", sb."timestamp", vsb.rate, vsb.price, vsb.holders
		FROM "VaultSnapshotBlock" vsb
		JOIN "SnapshotBlock" sb ON vsb."snapshotBlockId" = sb.id
		WHERE vsb."vaultId" = $1
		ORDER BY sb."blockNumber" DESC
		LIMIT 1
	`, vaultID).Scan(&vsb.ID, &vsb.VaultID, &vsb.SnapshotBlockID, &blockNumber, &vsb.Timestamp, &rate, &price, &holders)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest snapshot of vault %d: %w", vaultID, err)
	}

	vsb.BlockNumber = uint64(blockNumber)
	vsb.Timestamp = vsb.Timestamp.UTC()
	vsb.Holders = models.UnknownHolders
	if holders.Valid {
		vsb.Holders = int(holders.Int32)
	}
	if vsb.Rate, err = numericToDecimal(rate); err != nil {
		return nil, fmt.Errorf("vault snapshot %d rate: %w", vsb.ID, err)
	}
	if vsb.Price, err = numericToBig(price); err != nil {
		return nil, fmt.Errorf("vault snapshot %d price: %w", vsb.ID, err)
	}
	return &vsb, nil
}

// WalletBalances loads the full balance map persisted for a vault snapshot.
func (db *DB) WalletBalances(ctx context.Context, vaultSnapshotBlockID int64) (map[common.Address]*big.Int, error) {
	rows, err := db.Query(ctx, `
		SELECT address, amount
		FROM "WalletVaultSnapshot"
		WHERE "vaultSnapshotBlockId" = $1
	`, vaultSnapshotBlockID)
	if err != nil {
		return nil, fmt.Errorf("query wallet balances of snapshot %d: %w", vaultSnapshotBlockID, err)
	}
	defer rows.Close()

	balances := make(map[common.Address]*big.Int)
	for rows.Next() {
		var (
			address string
			amount  pgtype.Numeric
		)
		if err := rows.Scan(&address, &amount); err != nil {
			return nil, fmt.Errorf("scan wallet balance: %w", err)
		}
		value, err := numericToBig(amount)
		if err != nil {
			return nil, fmt.Errorf("wallet %s amount: %w", address, err)
		}
		balances[common.HexToAddress(address)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet balances: %w", err)
	}
	return balances, nil
}

// InsertVaultSnapshot writes the VaultSnapshotBlock and all of its WalletVaultSnapshot rows as one transaction.
// Concurrent writers for the same vault are serialised with an advisory lock, and a snapshot that is not
// newer than the vault's latest one is rejected with ErrOutOfOrderSnapshot.
func (db *DB) InsertVaultSnapshot(ctx context.Context, snap models.VaultSnapshot) (int64, error) {
	var vsbID int64
	err := db.BeginFunc(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, snap.VaultID); err != nil {
			return fmt.Errorf("lock vault %d: %w", snap.VaultID, err)
		}

		var latest pgtype.Int8
		if err := tx.QueryRow(ctx, `
			SELECT MAX(sb."blockNumber")
			FROM "VaultSnapshotBlock" vsb
			JOIN "SnapshotBlock" sb ON vsb."snapshotBlockId" = sb.id
			WHERE vsb."vaultId" = $1
		`, snap.VaultID).Scan(&latest); err != nil {
			return fmt.Errorf("query latest block of vault %d: %w", snap.VaultID, err)
		}
		if latest.Valid && uint64(latest.Int64) >= snap.SnapshotBlock.BlockNumber {
			return fmt.Errorf("vault %d at block %d (latest %d): %w",
				snap.VaultID, snap.SnapshotBlock.BlockNumber, latest.Int64, ErrOutOfOrderSnapshot)
		}

		held := make([]models.Holding, 0, len(snap.Holdings))
		for _, h := range snap.Holdings {
			if h.Amount != nil && h.Amount.Sign() != 0 {
				held = append(held, h)
			}
		}

		// holders is the number of WalletVaultSnapshot rows copied below
		if err := tx.QueryRow(ctx, `
			INSERT INTO "VaultSnapshotBlock" ("vaultId", "snapshotBlockId", rate, price, holders)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, snap.VaultID, snap.SnapshotBlock.ID, decimalToNumeric(snap.Rate), bigToNumeric(snap.Price), int32(len(held))).Scan(&vsbID); err != nil {
			return fmt.Errorf("insert vault snapshot block: %w", err)
		}

		rows := make([][]any, 0, len(held))
		for _, h := range held {
			rows = append(rows, []any{vsbID, h.Address.Hex(), bigToNumeric(h.Amount)})
		}
		if len(rows) == 0 {
			return nil
		}

		copied, err := tx.CopyFrom(ctx,
			pgx.Identifier{WalletVaultSnapshotTable},
			[]string{"vaultSnapshotBlockId", "address", "amount"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy wallet snapshots: %w", err)
		}
		if copied != int64(len(rows)) {
			return fmt.Errorf("copied %d of %d wallet snapshots", copied, len(rows))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return vsbID, nil
}
