package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

const vaultColumns = `id, name, address, "oracleAddress", decimals, "blockNumber"`

// ListVaults returns every vault ordered by id. When ids is non-empty only those vaults are returned.
func (db *DB) ListVaults(ctx context.Context, ids ...int64) ([]models.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM "Vault"`
	args := []any{}
	if len(ids) > 0 {
		query += ` WHERE id = ANY($1)`
		args = append(args, ids)
	}
	query += ` ORDER BY id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vaults: %w", err)
	}
	vaults, err := pgx.CollectRows(rows, scanVault)
	if err != nil {
		return nil, fmt.Errorf("scan vaults: %w", err)
	}
	return vaults, nil
}

// InsertVault registers a vault. Vaults are normally created out-of-band; this exists for tooling and tests.
func (db *DB) InsertVault(ctx context.Context, v models.Vault) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO "Vault" (name, address, "oracleAddress", decimals, "blockNumber")
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, v.Name, v.Address.Hex(), v.OracleAddress.Hex(), int16(v.Decimals), int64(v.BlockNumber)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert vault %s: %w", v.Address.Hex(), err)
	}
	return id, nil
}

func scanVault(row pgx.CollectableRow) (models.Vault, error) {
	var (
		v             models.Vault
		address       string
		oracleAddress string
		decimals      int16
		blockNumber   int64
	)
	if err := row.Scan(&v.ID, &v.Name, &address, &oracleAddress, &decimals, &blockNumber); err != nil {
		return models.Vault{}, err
	}
	if !common.IsHexAddress(address) || !common.IsHexAddress(oracleAddress) {
		return models.Vault{}, fmt.Errorf("vault %d has a malformed address", v.ID)
	}
	v.Address = common.HexToAddress(address)
	v.OracleAddress = common.HexToAddress(oracleAddress)
	v.Decimals = uint8(decimals)
	v.BlockNumber = uint64(blockNumber)
	return v, nil
}
