package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// LogFilterer is the part of Backend the iterator needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// TransferIterator walks Transfer events of one token over an inclusive block range, one page
// (at most span blocks) per Next call. A failed page leaves the position untouched so Next can be
// called again, and Position can seed a new iterator to resume elsewhere.
type TransferIterator struct {
	backend LogFilterer
	token   common.Address
	next    uint64
	to      uint64
	span    uint64
	done    bool
}

func NewTransferIterator(backend LogFilterer, token common.Address, from, to, span uint64) *TransferIterator {
	if span == 0 {
		span = DefaultPageSpan
	}
	return &TransferIterator{
		backend: backend,
		token:   token,
		next:    from,
		to:      to,
		span:    span,
		done:    from > to,
	}
}

// Position is the first block not yet fetched.
func (it *TransferIterator) Position() uint64 {
	return it.next
}

// Done reports whether the whole range has been fetched.
func (it *TransferIterator) Done() bool {
	return it.done
}

// Next fetches the next page. It returns ok=false once the range is exhausted.
func (it *TransferIterator) Next(ctx context.Context) (page []Transfer, ok bool, err error) {
	if it.done {
		return nil, false, nil
	}

	pageTo := it.to
	if it.to-it.next >= it.span {
		pageTo = it.next + it.span - 1
	}

	logs, err := it.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(it.next),
		ToBlock:   new(big.Int).SetUint64(pageTo),
		Addresses: []common.Address{it.token},
		Topics:    [][]common.Hash{{TransferTopic}},
	})
	if err != nil {
		return nil, false, fmt.Errorf("filter transfer logs %d-%d: %w", it.next, pageTo, err)
	}

	page = make([]Transfer, 0, len(logs))
	for i := range logs {
		t, decoded := DecodeTransfer(&logs[i])
		if !decoded {
			continue
		}
		page = append(page, t)
	}
	sort.SliceStable(page, func(i, j int) bool {
		if page[i].BlockNumber != page[j].BlockNumber {
			return page[i].BlockNumber < page[j].BlockNumber
		}
		return page[i].LogIndex < page[j].LogIndex
	})

	if pageTo == it.to {
		it.done = true
	}
	it.next = pageTo + 1
	return page, true, nil
}

// DecodeTransfer decodes an ERC-20 Transfer log. Removed logs and logs with another shape
// (for example ERC-721 transfers with an indexed token id) are rejected.
func DecodeTransfer(log *gethtypes.Log) (Transfer, bool) {
	if log == nil || log.Removed {
		return Transfer{}, false
	}
	if len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return Transfer{}, false
	}
	if len(log.Data) != 32 {
		return Transfer{}, false
	}
	return Transfer{
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(log.Data),
	}, true
}
