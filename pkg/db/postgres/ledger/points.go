package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
	"github.com/otterfi/otter-point/pkg/db/postgres"
)

// ErrDuplicateReferral is returned when the referee already has a referrer.
var ErrDuplicateReferral = errors.New("referee already has a referrer")

// valueExpr is the USD value of one WalletVaultSnapshot row: shares -> assets -> USD.
const valueExpr = `wvs.amount * vsb.rate / power(10::numeric, v.decimals) * vsb.price / power(10::numeric, $2)`

// UserByWallet returns the user owning walletAddress (case-insensitive), or nil.
func (db *DB) UserByWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	var u models.User
	err := db.QueryRow(ctx, `
		SELECT id, "walletAddress", "createdAt", "updatedAt"
		FROM "User"
		WHERE lower("walletAddress") = lower($1)
		LIMIT 1
	`, strings.TrimSpace(walletAddress)).Scan(&u.ID, &u.WalletAddress, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user %s: %w", walletAddress, err)
	}
	return &u, nil
}

// EnsureUser returns the id of the user for walletAddress, creating the row if needed.
func (db *DB) EnsureUser(ctx context.Context, walletAddress string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO "User" ("walletAddress", "updatedAt")
		VALUES ($1, NOW())
		ON CONFLICT ("walletAddress") DO UPDATE SET "updatedAt" = EXCLUDED."updatedAt"
		RETURNING id
	`, strings.TrimSpace(walletAddress)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure user %s: %w", walletAddress, err)
	}
	return id, nil
}

// ReferrerWallet returns the wallet address of whoever referred refereeWallet, or "" when nobody did.
func (db *DB) ReferrerWallet(ctx context.Context, refereeWallet string) (string, error) {
	var wallet string
	err := db.QueryRow(ctx, `
		SELECT referrer."walletAddress"
		FROM "Referral" r
		JOIN "User" referee ON r."refereeUserId" = referee.id
		JOIN "User" referrer ON r."referrerUserId" = referrer.id
		WHERE lower(referee."walletAddress") = lower($1)
	`, refereeWallet).Scan(&wallet)
	if err != nil {
		if postgres.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("query referrer of %s: %w", refereeWallet, err)
	}
	return wallet, nil
}

// InsertReferral records referrer -> referee with createdAt, or NOW() when createdAt is zero.
func (db *DB) InsertReferral(ctx context.Context, referrerUserID, refereeUserID int64, createdAt time.Time) (models.Referral, error) {
	ref := models.Referral{ReferrerUserID: referrerUserID, RefereeUserID: refereeUserID}
	var ts pgtype.Timestamptz
	if !createdAt.IsZero() {
		ts = pgtype.Timestamptz{Time: createdAt.UTC(), Valid: true}
	}
	err := db.QueryRow(ctx, `
		INSERT INTO "Referral" ("referrerUserId", "refereeUserId", "createdAt")
		VALUES ($1, $2, COALESCE($3, NOW()))
		RETURNING id, "createdAt"
	`, referrerUserID, refereeUserID, ts).Scan(&ref.ID, &ref.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return models.Referral{}, ErrDuplicateReferral
		}
		return models.Referral{}, fmt.Errorf("insert referral: %w", err)
	}
	return ref, nil
}

// EarnedValue sums the USD value of every snapshot the wallet holds across all vaults.
func (db *DB) EarnedValue(ctx context.Context, walletAddress string) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	err := db.QueryRow(ctx, `
		SELECT COALESCE(SUM(`+valueExpr+`), 0)
		FROM "WalletVaultSnapshot" wvs
		JOIN "VaultSnapshotBlock" vsb ON wvs."vaultSnapshotBlockId" = vsb.id
		JOIN "Vault" v ON vsb."vaultId" = v.id
		WHERE lower(wvs.address) = lower($1)
	`, walletAddress, models.PriceDecimals).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum earned value of %s: %w", walletAddress, err)
	}
	return numericToDecimal(sum)
}

// RefereeValue sums the USD value of the snapshots held by every wallet the referrer referred,
// counting only snapshots taken at or after the referral was created. The result is unweighted.
func (db *DB) RefereeValue(ctx context.Context, referrerWallet string) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	err := db.QueryRow(ctx, `
		SELECT COALESCE(SUM(`+valueExpr+`), 0)
		FROM "User" referrer
		JOIN "Referral" r ON r."referrerUserId" = referrer.id
		JOIN "User" referee ON r."refereeUserId" = referee.id
		JOIN "WalletVaultSnapshot" wvs ON lower(wvs.address) = lower(referee."walletAddress")
		JOIN "VaultSnapshotBlock" vsb ON wvs."vaultSnapshotBlockId" = vsb.id
		JOIN "Vault" v ON vsb."vaultId" = v.id
		JOIN "SnapshotBlock" sb ON vsb."snapshotBlockId" = sb.id
		WHERE lower(referrer."walletAddress") = lower($1)
		  AND sb."timestamp" >= r."createdAt"
	`, referrerWallet, models.PriceDecimals).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum referee value of %s: %w", referrerWallet, err)
	}
	return numericToDecimal(sum)
}
