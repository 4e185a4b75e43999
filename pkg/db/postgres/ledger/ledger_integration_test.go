//go:build integration

package ledger

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
	"github.com/otterfi/otter-point/pkg/db/postgres"
)

var testDB *DB

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	logger := zap.NewNop()

	if !isDockerAvailable() {
		return m.Run()
	}

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("otter_test"),
		tcpostgres.WithUsername("otter"),
		tcpostgres.WithPassword("otter"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return m.Run()
	}
	defer func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	}()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return 1
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return 1
	}
	defer pool.Close()

	testDB = &DB{Client: postgres.NewFromPool(logger, pool)}
	if err := testDB.InitializeDB(ctx); err != nil {
		return 1
	}
	// schema creation is idempotent
	if err := testDB.InitializeDB(ctx); err != nil {
		return 1
	}
	return m.Run()
}

func isDockerAvailable() bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer func() { _ = provider.Close() }()
	return provider.Health(context.Background()) == nil
}

// reset skips when no database is available and empties every table otherwise.
func reset(t *testing.T) context.Context {
	t.Helper()
	if testDB == nil {
		t.Skip("test database not initialized (Docker unavailable?)")
	}
	ctx := context.Background()
	require.NoError(t, testDB.Exec(ctx, `
		TRUNCATE "Referral", "User", "WalletVaultSnapshot", "VaultSnapshotBlock", "SnapshotBlock", "Vault"
		RESTART IDENTITY CASCADE
	`))
	return ctx
}

var (
	day0  = time.Date(2024, 2, 27, 0, 0, 5, 0, time.UTC)
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

func insertVault(t *testing.T, ctx context.Context) models.Vault {
	t.Helper()
	v := models.Vault{
		Name:          "otter-usdc",
		Address:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		OracleAddress: common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		Decimals:      6,
		BlockNumber:   900,
	}
	id, err := testDB.InsertVault(ctx, v)
	require.NoError(t, err)
	v.ID = id
	return v
}

func holding(addr common.Address, amount int64) models.Holding {
	return models.Holding{Address: addr, Amount: big.NewInt(amount)}
}

func TestSnapshotBlocks(t *testing.T) {
	ctx := reset(t)

	latest, err := testDB.LatestSnapshotBlock(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	first, err := testDB.InsertSnapshotBlock(ctx, 1000, day0)
	require.NoError(t, err)
	_, err = testDB.InsertSnapshotBlock(ctx, 1100, day0.AddDate(0, 0, 1))
	require.NoError(t, err)

	_, err = testDB.InsertSnapshotBlock(ctx, 1000, day0.Add(time.Minute))
	require.ErrorIs(t, err, ErrDuplicateSnapshotBlock)

	latest, err = testDB.LatestSnapshotBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1100), latest.BlockNumber)
	assert.True(t, day0.AddDate(0, 0, 1).Equal(latest.Timestamp))

	blocks, err := testDB.SnapshotBlocksFrom(ctx, 1001)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint64(1100), blocks[0].BlockNumber)

	blocks, err = testDB.SnapshotBlocksFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, first.ID, blocks[0].ID)
}

func TestVaultSnapshots(t *testing.T) {
	ctx := reset(t)
	v := insertVault(t, ctx)

	vaults, err := testDB.ListVaults(ctx)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, v, vaults[0])

	sb1, err := testDB.InsertSnapshotBlock(ctx, 1000, day0)
	require.NoError(t, err)
	sb2, err := testDB.InsertSnapshotBlock(ctx, 1100, day0.AddDate(0, 0, 1))
	require.NoError(t, err)

	latest, err := testDB.LatestVaultSnapshotBlock(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	id1, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
		VaultID:       v.ID,
		SnapshotBlock: sb1,
		Rate:          decimal.RequireFromString("1.05"),
		Price:         big.NewInt(99980000),
		Holdings:      []models.Holding{holding(alice, 1000), holding(bob, 0)},
	})
	require.NoError(t, err)

	t.Run("zero balances are not stored", func(t *testing.T) {
		balances, err := testDB.WalletBalances(ctx, id1)
		require.NoError(t, err)
		require.Len(t, balances, 1)
		assert.Equal(t, int64(1000), balances[alice].Int64())
	})

	t.Run("out of order", func(t *testing.T) {
		_, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
			VaultID:       v.ID,
			SnapshotBlock: sb1,
			Rate:          decimal.NewFromInt(1),
			Price:         big.NewInt(1),
		})
		require.ErrorIs(t, err, ErrOutOfOrderSnapshot)
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		// the same wallet twice violates the per-snapshot unique key during the copy
		_, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
			VaultID:       v.ID,
			SnapshotBlock: sb2,
			Rate:          decimal.NewFromInt(1),
			Price:         big.NewInt(1),
			Holdings:      []models.Holding{holding(alice, 1), holding(alice, 2)},
		})
		require.Error(t, err)

		latest, err := testDB.LatestVaultSnapshotBlock(ctx, v.ID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, id1, latest.ID)
	})

	id2, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
		VaultID:       v.ID,
		SnapshotBlock: sb2,
		Rate:          decimal.RequireFromString("1.1"),
		Price:         big.NewInt(100010000),
		Holdings:      []models.Holding{holding(alice, 600), holding(bob, 400)},
	})
	require.NoError(t, err)

	latest, err = testDB.LatestVaultSnapshotBlock(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id2, latest.ID)
	assert.Equal(t, sb2.ID, latest.SnapshotBlockID)
	assert.Equal(t, uint64(1100), latest.BlockNumber)
	assert.True(t, decimal.RequireFromString("1.1").Equal(latest.Rate))
	assert.Equal(t, int64(100010000), latest.Price.Int64())
	assert.Equal(t, 2, latest.Holders)

	// resuming reads the newest balances back exactly as written
	balances, err := testDB.WalletBalances(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balances[alice].Int64())
	assert.Equal(t, int64(400), balances[bob].Int64())

	// rows written before the holder count existed
	require.NoError(t, testDB.Exec(ctx, `UPDATE "VaultSnapshotBlock" SET holders = NULL WHERE id = $1`, id2))
	latest, err = testDB.LatestVaultSnapshotBlock(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnknownHolders, latest.Holders)
}

func TestEmptySnapshotRecordsZeroHolders(t *testing.T) {
	ctx := reset(t)
	v := insertVault(t, ctx)
	sb, err := testDB.InsertSnapshotBlock(ctx, 1000, day0)
	require.NoError(t, err)

	// every holder exited while dead shares keep the rate non-zero
	id, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
		VaultID:       v.ID,
		SnapshotBlock: sb,
		Rate:          decimal.NewFromInt(2),
		Price:         big.NewInt(100000000),
	})
	require.NoError(t, err)

	latest, err := testDB.LatestVaultSnapshotBlock(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id, latest.ID)
	assert.Zero(t, latest.Holders)

	balances, err := testDB.WalletBalances(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestWalletBalancesKeepFullPrecision(t *testing.T) {
	ctx := reset(t)
	v := insertVault(t, ctx)
	sb, err := testDB.InsertSnapshotBlock(ctx, 1000, day0)
	require.NoError(t, err)

	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	id, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
		VaultID:       v.ID,
		SnapshotBlock: sb,
		Rate:          decimal.RequireFromString("1.000000000000000001"),
		Price:         big.NewInt(1),
		Holdings:      []models.Holding{{Address: alice, Amount: huge}},
	})
	require.NoError(t, err)

	balances, err := testDB.WalletBalances(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, huge.Cmp(balances[alice]))

	latest, err := testDB.LatestVaultSnapshotBlock(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.000000000000000001", latest.Rate.String())
}

func TestPointsQueries(t *testing.T) {
	ctx := reset(t)
	v := insertVault(t, ctx)

	sb1, err := testDB.InsertSnapshotBlock(ctx, 1000, day0)
	require.NoError(t, err)
	sb2, err := testDB.InsertSnapshotBlock(ctx, 1100, day0.AddDate(0, 0, 1))
	require.NoError(t, err)

	// 1 share unit is 1e-6 of the underlying; rate 2 and price 1.00000000 make one share worth 2 USD
	for _, sb := range []models.SnapshotBlock{sb1, sb2} {
		_, err := testDB.InsertVaultSnapshot(ctx, models.VaultSnapshot{
			VaultID:       v.ID,
			SnapshotBlock: sb,
			Rate:          decimal.NewFromInt(2),
			Price:         big.NewInt(100000000),
			Holdings:      []models.Holding{holding(alice, 1000000), holding(bob, 3000000)},
		})
		require.NoError(t, err)
	}

	carolID, err := testDB.EnsureUser(ctx, carol.Hex())
	require.NoError(t, err)
	bobID, err := testDB.EnsureUser(ctx, bob.Hex())
	require.NoError(t, err)
	again, err := testDB.EnsureUser(ctx, bob.Hex())
	require.NoError(t, err)
	assert.Equal(t, bobID, again)

	u, err := testDB.UserByWallet(ctx, " "+bob.Hex()+" ")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, bobID, u.ID)

	missing, err := testDB.UserByWallet(ctx, alice.Hex())
	require.NoError(t, err)
	assert.Nil(t, missing)

	// referred between the two checkpoints: only the second one counts
	ref, err := testDB.InsertReferral(ctx, carolID, bobID, day0.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, carolID, ref.ReferrerUserID)

	_, err = testDB.InsertReferral(ctx, carolID, bobID, time.Time{})
	require.ErrorIs(t, err, ErrDuplicateReferral)

	referrer, err := testDB.ReferrerWallet(ctx, bob.Hex())
	require.NoError(t, err)
	assert.Equal(t, carol.Hex(), referrer)

	referrer, err = testDB.ReferrerWallet(ctx, alice.Hex())
	require.NoError(t, err)
	assert.Empty(t, referrer)

	earned, err := testDB.EarnedValue(ctx, alice.Hex())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4).Equal(earned), "got %s", earned)

	earned, err = testDB.EarnedValue(ctx, bob.Hex())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(12).Equal(earned), "got %s", earned)

	refereeValue, err := testDB.RefereeValue(ctx, carol.Hex())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(6).Equal(refereeValue), "got %s", refereeValue)

	none, err := testDB.RefereeValue(ctx, alice.Hex())
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}
