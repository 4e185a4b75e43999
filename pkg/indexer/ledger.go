package indexer

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otterfi/otter-point/pkg/chain"
	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// Ledger is the share balance map of one vault up to (but excluding) block Next.
//
// A Ledger is handed to Advance and a new one is returned; the caller must not keep using the
// value it passed in.
type Ledger struct {
	VaultID int64
	Token   common.Address
	Next    uint64

	balances map[common.Address]*big.Int
}

// NewLedger returns an empty ledger positioned at the vault's genesis block.
func NewLedger(v models.Vault) Ledger {
	return Ledger{
		VaultID:  v.ID,
		Token:    v.Address,
		Next:     v.BlockNumber,
		balances: map[common.Address]*big.Int{},
	}
}

// SeedLedger restores a ledger from the balances persisted at a vault checkpoint.
func SeedLedger(v models.Vault, prior models.VaultSnapshotBlock, balances map[common.Address]*big.Int) Ledger {
	l := Ledger{
		VaultID:  v.ID,
		Token:    v.Address,
		Next:     prior.BlockNumber + 1,
		balances: make(map[common.Address]*big.Int, len(balances)),
	}
	for addr, amount := range balances {
		l.balances[addr] = new(big.Int).Set(amount)
	}
	return l
}

// Balance returns the current balance of addr, zero when unknown.
func (l Ledger) Balance(addr common.Address) *big.Int {
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Holdings lists every non-zero balance except the zero address, ordered by address.
func (l Ledger) Holdings() []models.Holding {
	out := make([]models.Holding, 0, len(l.balances))
	for addr, amount := range l.balances {
		if addr == (common.Address{}) || amount.Sign() == 0 {
			continue
		}
		out = append(out, models.Holding{Address: addr, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// HeldSupply sums the balances Holdings would emit.
func (l Ledger) HeldSupply() *big.Int {
	sum := new(big.Int)
	for addr, amount := range l.balances {
		if addr == (common.Address{}) {
			continue
		}
		sum.Add(sum, amount)
	}
	return sum
}

// applyTo folds one transfer into the given delta map.
func applyTo(deltas map[common.Address]*big.Int, t chain.Transfer) {
	add := func(addr common.Address, v *big.Int) {
		d, ok := deltas[addr]
		if !ok {
			d = new(big.Int)
			deltas[addr] = d
		}
		d.Add(d, v)
	}
	add(t.From, new(big.Int).Neg(t.Value))
	add(t.To, t.Value)
}

// merge applies deltas and moves the ledger to next. Balances that reach zero are dropped.
func (l Ledger) merge(deltas map[common.Address]*big.Int, next uint64) Ledger {
	out := Ledger{
		VaultID:  l.VaultID,
		Token:    l.Token,
		Next:     next,
		balances: l.balances,
	}
	if out.balances == nil {
		out.balances = map[common.Address]*big.Int{}
	}
	for addr, d := range deltas {
		if d.Sign() == 0 {
			continue
		}
		cur, ok := out.balances[addr]
		if !ok {
			out.balances[addr] = new(big.Int).Set(d)
			continue
		}
		sum := new(big.Int).Add(cur, d)
		if sum.Sign() == 0 {
			delete(out.balances, addr)
			continue
		}
		out.balances[addr] = sum
	}
	return out
}
