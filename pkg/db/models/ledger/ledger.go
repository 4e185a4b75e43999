package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	VaultTableName               = "Vault"
	SnapshotBlockTableName       = "SnapshotBlock"
	VaultSnapshotBlockTableName  = "VaultSnapshotBlock"
	WalletVaultSnapshotTableName = "WalletVaultSnapshot"
	UserTableName                = "User"
	ReferralTableName            = "Referral"
)

// PriceDecimals is the fixed-point precision of oracle answers.
const PriceDecimals = 8

// Vault is a yield-bearing token contract tracked from its genesis block.
type Vault struct {
	ID            int64
	Name          string
	Address       common.Address
	OracleAddress common.Address
	Decimals      uint8
	BlockNumber   uint64 // first block from which balances are tracked
}

// SnapshotBlock is the chain-wide daily checkpoint shared by every vault.
type SnapshotBlock struct {
	ID          int64
	BlockNumber uint64
	Timestamp   time.Time
}

// VaultSnapshotBlock binds a vault to a checkpoint with the valuation sampled at that block.
// BlockNumber and Timestamp are denormalised from the SnapshotBlock on reads.
type VaultSnapshotBlock struct {
	ID              int64
	VaultID         int64
	SnapshotBlockID int64
	BlockNumber     uint64
	Timestamp       time.Time
	Rate            decimal.Decimal
	Price           *big.Int
	// Holders is the number of WalletVaultSnapshot rows written with this snapshot, or
	// UnknownHolders for rows that predate the column.
	Holders int
}

// UnknownHolders marks a VaultSnapshotBlock written without a holder count.
const UnknownHolders = -1

// WalletVaultSnapshot is one wallet's raw share balance at a VaultSnapshotBlock.
type WalletVaultSnapshot struct {
	ID                   int64
	VaultSnapshotBlockID int64
	Address              common.Address
	Amount               *big.Int
}

// Holding is a non-zero balance ready to be written.
type Holding struct {
	Address common.Address
	Amount  *big.Int
}

// VaultSnapshot is the atomic write unit: one VaultSnapshotBlock and every non-zero holding.
type VaultSnapshot struct {
	VaultID       int64
	SnapshotBlock SnapshotBlock
	Rate          decimal.Decimal
	Price         *big.Int
	Holdings      []Holding
}

type User struct {
	ID            int64
	WalletAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Referral links a referee to the referrer whose code they submitted.
type Referral struct {
	ID             int64
	ReferrerUserID int64
	RefereeUserID  int64
	CreatedAt      time.Time
}
