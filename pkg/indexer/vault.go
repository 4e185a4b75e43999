package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// ErrInconsistentLedger marks a vault whose latest checkpoint is missing some of the balances it was
// written with, so there is nothing sound to resume from. It needs an operator; the indexer never repairs it.
var ErrInconsistentLedger = errors.New("vault checkpoint balances are incomplete")

// VaultState is the position of a vault pass in its pipeline.
type VaultState int

const (
	StateIdle VaultState = iota
	StateResolvingRange
	StateReplayingEvents
	StateSamplingValuation
	StatePersisting
)

func (s VaultState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolvingRange:
		return "RESOLVING_RANGE"
	case StateReplayingEvents:
		return "REPLAYING_EVENTS"
	case StateSamplingValuation:
		return "SAMPLING_VALUATION"
	case StatePersisting:
		return "PERSISTING"
	default:
		return fmt.Sprintf("VaultState(%d)", int(s))
	}
}

// CanTransition reports whether a pass may move from s to next. Every state may fall back to IDLE.
// PERSISTING loops back to REPLAYING_EVENTS while checkpoints remain.
func (s VaultState) CanTransition(next VaultState) bool {
	if next == StateIdle {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateResolvingRange
	case StateResolvingRange:
		return next == StateReplayingEvents
	case StateReplayingEvents:
		return next == StateSamplingValuation
	case StateSamplingValuation:
		return next == StatePersisting
	case StatePersisting:
		return next == StateReplayingEvents
	}
	return false
}

// VaultError carries the vault and the state a pass failed in.
type VaultError struct {
	VaultID int64
	State   VaultState
	Err     error
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("vault %d failed in %s: %v", e.VaultID, e.State, e.Err)
}

func (e *VaultError) Unwrap() error {
	return e.Err
}

type VaultStore interface {
	SnapshotBlocksFrom(ctx context.Context, fromBlock uint64) ([]models.SnapshotBlock, error)
	LatestVaultSnapshotBlock(ctx context.Context, vaultID int64) (*models.VaultSnapshotBlock, error)
	WalletBalances(ctx context.Context, vaultSnapshotBlockID int64) (map[common.Address]*big.Int, error)
	InsertVaultSnapshot(ctx context.Context, snap models.VaultSnapshot) (int64, error)
}

// Notifier is told about every committed vault checkpoint. Implementations must not block the
// pipeline on delivery failures.
type Notifier interface {
	VaultSnapshotCommitted(ctx context.Context, snap models.VaultSnapshot)
}

type noopNotifier struct{}

func (noopNotifier) VaultSnapshotCommitted(context.Context, models.VaultSnapshot) {}

// VaultProgress is the per-vault summary of one run.
type VaultProgress struct {
	VaultID     int64
	Name        string
	State       VaultState
	Committed   int    // checkpoints written this run
	LastBlock   uint64 // block of the newest persisted checkpoint
	Holders     int    // holders at LastBlock
	Mismatches  int    // checkpoints where held supply differed from totalSupply
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// vaultPass runs one vault from its last persisted checkpoint through every newer SnapshotBlock.
type vaultPass struct {
	logger   *zap.Logger
	store    VaultStore
	chain    TransferSource
	sampler  *Sampler
	notifier Notifier
	vault    models.Vault
	progress VaultProgress
	board    *xsync.Map[int64, VaultProgress]
}

// publish makes the current progress visible to Indexer.Progress.
func (p *vaultPass) publish() {
	p.board.Store(p.vault.ID, p.progress)
}

func (p *vaultPass) transition(next VaultState) {
	prev := p.progress.State
	if !prev.CanTransition(next) {
		p.logger.Error("unexpected vault state transition",
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
	p.progress.State = next
	p.publish()
	p.logger.Debug("vault state",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
}

// fail wraps err with the current state and returns the pass to IDLE.
func (p *vaultPass) fail(err error) error {
	verr := &VaultError{VaultID: p.vault.ID, State: p.progress.State, Err: err}
	p.progress.Err = verr
	p.transition(StateIdle)
	return verr
}

func (p *vaultPass) run(ctx context.Context) error {
	p.transition(StateResolvingRange)

	ledger, err := p.seed(ctx)
	if err != nil {
		return p.fail(err)
	}
	checkpoints, err := p.store.SnapshotBlocksFrom(ctx, ledger.Next)
	if err != nil {
		return p.fail(fmt.Errorf("list checkpoints from block %d: %w", ledger.Next, err))
	}
	if len(checkpoints) == 0 {
		p.logger.Debug("vault up to date", zap.Uint64("next", ledger.Next))
		p.transition(StateIdle)
		return nil
	}
	p.logger.Info("replaying vault",
		zap.Uint64("fromBlock", ledger.Next),
		zap.Uint64("toBlock", checkpoints[len(checkpoints)-1].BlockNumber),
		zap.Int("checkpoints", len(checkpoints)))

	for _, cp := range checkpoints {
		if err := ctx.Err(); err != nil {
			return p.fail(err)
		}
		if ledger, err = p.step(ctx, ledger, cp); err != nil {
			return p.fail(err)
		}
	}

	p.transition(StateIdle)
	return nil
}

// seed restores the ledger from the newest persisted checkpoint, or starts at genesis.
func (p *vaultPass) seed(ctx context.Context) (Ledger, error) {
	latest, err := p.store.LatestVaultSnapshotBlock(ctx, p.vault.ID)
	if err != nil {
		return Ledger{}, fmt.Errorf("latest vault snapshot: %w", err)
	}
	if latest == nil {
		return NewLedger(p.vault), nil
	}

	balances, err := p.store.WalletBalances(ctx, latest.ID)
	if err != nil {
		return Ledger{}, fmt.Errorf("balances at block %d: %w", latest.BlockNumber, err)
	}
	// A snapshot where every holder has exited is valid even with supply outstanding (shares held by
	// the zero address), so only a row count that disagrees with the recorded one is fatal.
	if latest.Holders != models.UnknownHolders && latest.Holders != len(balances) {
		p.logger.Error("vault checkpoint balances do not match the recorded holder count",
			zap.Int64("vaultSnapshotBlockId", latest.ID),
			zap.Uint64("blockNumber", latest.BlockNumber),
			zap.Int("recorded", latest.Holders),
			zap.Int("loaded", len(balances)))
		return Ledger{}, fmt.Errorf("vault snapshot %d at block %d has %d of %d balances: %w",
			latest.ID, latest.BlockNumber, len(balances), latest.Holders, ErrInconsistentLedger)
	}

	p.progress.LastBlock = latest.BlockNumber
	p.progress.Holders = len(balances)
	return SeedLedger(p.vault, *latest, balances), nil
}

// step replays, samples and persists one checkpoint. The returned ledger is only meaningful when
// err is nil.
func (p *vaultPass) step(ctx context.Context, ledger Ledger, cp models.SnapshotBlock) (Ledger, error) {
	p.transition(StateReplayingEvents)
	next, err := Advance(ctx, ledger, cp, p.chain)
	if err != nil {
		return Ledger{}, err
	}

	p.transition(StateSamplingValuation)
	val, err := p.sampler.Sample(ctx, p.vault, cp.BlockNumber)
	if err != nil {
		return Ledger{}, fmt.Errorf("sample valuation at block %d: %w", cp.BlockNumber, err)
	}
	if held := next.HeldSupply(); held.Cmp(val.TotalSupply) != 0 {
		p.progress.Mismatches++
		p.logger.Warn("held balances differ from total supply",
			zap.Uint64("blockNumber", cp.BlockNumber),
			zap.String("held", held.String()),
			zap.String("totalSupply", val.TotalSupply.String()))
	}

	p.transition(StatePersisting)
	snap := models.VaultSnapshot{
		VaultID:       p.vault.ID,
		SnapshotBlock: cp,
		Rate:          val.Rate,
		Price:         val.Price,
		Holdings:      next.Holdings(),
	}
	id, err := p.store.InsertVaultSnapshot(ctx, snap)
	if err != nil {
		return Ledger{}, fmt.Errorf("persist checkpoint %d: %w", cp.BlockNumber, err)
	}

	p.progress.Committed++
	p.progress.LastBlock = cp.BlockNumber
	p.progress.Holders = len(snap.Holdings)
	p.publish()
	p.logger.Info("vault checkpoint committed",
		zap.Int64("vaultSnapshotBlockId", id),
		zap.Uint64("blockNumber", cp.BlockNumber),
		zap.Int("holders", len(snap.Holdings)),
		zap.String("rate", val.Rate.String()),
		zap.String("price", val.Price.String()))

	p.notifier.VaultSnapshotCommitted(ctx, snap)
	return next, nil
}
