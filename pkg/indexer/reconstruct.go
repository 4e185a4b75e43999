package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otterfi/otter-point/pkg/chain"
	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// ErrCheckpointBehindLedger is returned when a checkpoint lies before the ledger position.
var ErrCheckpointBehindLedger = errors.New("checkpoint is behind ledger position")

// TransferSource opens a Transfer iterator for token over the inclusive range [from, to].
type TransferSource interface {
	Transfers(token common.Address, from, to uint64) *chain.TransferIterator
}

// Advance replays every Transfer of the ledger's token in [l.Next, checkpoint.BlockNumber] and
// returns the ledger positioned right after the checkpoint. On error the input ledger is unchanged.
func Advance(ctx context.Context, l Ledger, checkpoint models.SnapshotBlock, source TransferSource) (Ledger, error) {
	if checkpoint.BlockNumber < l.Next {
		return l, fmt.Errorf("vault %d: checkpoint %d, ledger at %d: %w",
			l.VaultID, checkpoint.BlockNumber, l.Next, ErrCheckpointBehindLedger)
	}

	deltas := map[common.Address]*big.Int{}
	it := source.Transfers(l.Token, l.Next, checkpoint.BlockNumber)
	for {
		page, ok, err := it.Next(ctx)
		if err != nil {
			return l, fmt.Errorf("replay transfers from block %d: %w", it.Position(), err)
		}
		if !ok {
			break
		}
		for _, t := range page {
			applyTo(deltas, t)
		}
	}

	return l.merge(deltas, checkpoint.BlockNumber+1), nil
}
