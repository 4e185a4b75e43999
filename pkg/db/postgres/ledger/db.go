package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/otterfi/otter-point/pkg/db/postgres"
)

var (
	// ErrOutOfOrderSnapshot is returned when a vault already has a snapshot at or after the block being written.
	ErrOutOfOrderSnapshot = errors.New("vault snapshot is not newer than the latest persisted one")
	// ErrDuplicateSnapshotBlock is returned when a checkpoint for the block already exists.
	ErrDuplicateSnapshotBlock = errors.New("snapshot block already exists")
)

// DB is the PostgreSQL store behind the snapshot ledger and the points queries.
type DB struct {
	postgres.Client
}

// New opens a pool for the given component and makes sure the schema exists.
func New(ctx context.Context, logger *zap.Logger, component string) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("db", "ledger")), postgres.GetPoolConfigForComponent(component))
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{VaultTable, db.initVaults},
		{SnapshotBlockTable, db.initSnapshotBlocks},
		{VaultSnapshotBlockTable, db.initVaultSnapshotBlocks},
		{WalletVaultSnapshotTable, db.initWalletVaultSnapshots},
		{UserTable, db.initUsers},
		{ReferralTable, db.initReferrals},
	}

	for _, step := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", step.name))
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("init table %s: %w", step.name, err)
		}
	}
	return nil
}
