package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
	"github.com/otterfi/otter-point/pkg/db/postgres"
)

// LatestSnapshotBlock returns the most recent checkpoint, or nil when none exists yet.
func (db *DB) LatestSnapshotBlock(ctx context.Context) (*models.SnapshotBlock, error) {
	var (
		sb          models.SnapshotBlock
		blockNumber int64
	)
	err := db.QueryRow(ctx, `
		SELECT id, "blockNumber", "timestamp"
		FROM "SnapshotBlock"
		ORDER BY "blockNumber" DESC
		LIMIT 1
	`).Scan(&sb.ID, &blockNumber, &sb.Timestamp)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest snapshot block: %w", err)
	}
	sb.BlockNumber = uint64(blockNumber)
	sb.Timestamp = sb.Timestamp.UTC()
	return &sb, nil
}

// InsertSnapshotBlock persists one checkpoint in its own transaction.
func (db *DB) InsertSnapshotBlock(ctx context.Context, blockNumber uint64, timestamp time.Time) (models.SnapshotBlock, error) {
	sb := models.SnapshotBlock{BlockNumber: blockNumber, Timestamp: timestamp.UTC()}
	err := db.BeginFunc(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO "SnapshotBlock" ("blockNumber", "timestamp")
			VALUES ($1, $2)
			RETURNING id
		`, int64(blockNumber), sb.Timestamp).Scan(&sb.ID)
	})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return models.SnapshotBlock{}, fmt.Errorf("block %d: %w", blockNumber, ErrDuplicateSnapshotBlock)
		}
		return models.SnapshotBlock{}, fmt.Errorf("insert snapshot block %d: %w", blockNumber, err)
	}
	return sb, nil
}

// SnapshotBlocksFrom returns checkpoints with blockNumber >= fromBlock in ascending order.
func (db *DB) SnapshotBlocksFrom(ctx context.Context, fromBlock uint64) ([]models.SnapshotBlock, error) {
	rows, err := db.Query(ctx, `
		SELECT id, "blockNumber", "timestamp"
		FROM "SnapshotBlock"
		WHERE "blockNumber" >= $1
		ORDER BY "blockNumber" ASC
	`, int64(fromBlock))
	if err != nil {
		return nil, fmt.Errorf("query snapshot blocks from %d: %w", fromBlock, err)
	}
	blocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SnapshotBlock, error) {
		var (
			sb          models.SnapshotBlock
			blockNumber int64
		)
		if err := row.Scan(&sb.ID, &blockNumber, &sb.Timestamp); err != nil {
			return models.SnapshotBlock{}, err
		}
		sb.BlockNumber = uint64(blockNumber)
		sb.Timestamp = sb.Timestamp.UTC()
		return sb, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan snapshot blocks: %w", err)
	}
	return blocks, nil
}
