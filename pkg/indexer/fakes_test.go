package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/otterfi/otter-point/pkg/chain"
	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

var (
	day0 = time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)

	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")

	vaultA = models.Vault{
		ID:            1,
		Name:          "otter-usdc",
		Address:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		OracleAddress: common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		Decimals:      6,
		BlockNumber:   900,
	}
	vaultB = models.Vault{
		ID:            2,
		Name:          "otter-eth",
		Address:       common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		OracleAddress: common.HexToAddress("0x00000000000000000000000000000000000000f2"),
		Decimals:      18,
		BlockNumber:   1020,
	}
)

// Day n after day0 resolves to block 1000+100n, mined two seconds after midnight.
func blockForDay(ts time.Time) uint64 {
	return 1000 + uint64(ts.Sub(day0)/(24*time.Hour))*100
}

func blockTime(block uint64) time.Time {
	return day0.Add(time.Duration(block-1000) * 864 * time.Second).Add(2 * time.Second)
}

type fakeLookup struct {
	mu      sync.Mutex
	calls   []time.Time
	resolve func(time.Time) (uint64, error)
}

func (f *fakeLookup) BlockAfter(_ context.Context, ts time.Time) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ts)
	if f.resolve != nil {
		return f.resolve(ts)
	}
	return blockForDay(ts), nil
}

type fakeChain struct {
	mu      sync.Mutex
	span    uint64
	logs    []gethtypes.Log
	assets  map[common.Address]*big.Int
	price   *big.Int
	queries int

	filterErrAt    uint64         // FilterLogs fails for ranges containing this block
	filterErrToken common.Address // limits filterErrAt to one token when set
	priceErr       error
	extraSupply    *big.Int // added to every totalSupply answer
}

func (f *fakeChain) transfer(token common.Address, block uint64, from, to common.Address, value int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, gethtypes.Log{
		Address:     token,
		BlockNumber: block,
		Index:       uint(len(f.logs)),
		Topics: []common.Hash{
			chain.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	})
}

func (f *fakeChain) HeaderTime(_ context.Context, block uint64) (time.Time, error) {
	return blockTime(block), nil
}

func (f *fakeChain) TotalSupply(_ context.Context, vault common.Address, block uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	supply := new(big.Int)
	for i := range f.logs {
		l := &f.logs[i]
		if l.Address != vault || l.BlockNumber > block {
			continue
		}
		t, _ := chain.DecodeTransfer(l)
		if t.From == (common.Address{}) {
			supply.Add(supply, t.Value)
		}
		if t.To == (common.Address{}) {
			supply.Sub(supply, t.Value)
		}
	}
	if f.extraSupply != nil {
		supply.Add(supply, f.extraSupply)
	}
	return supply, nil
}

func (f *fakeChain) TotalAssets(_ context.Context, vault common.Address, _ uint64) (*big.Int, error) {
	if a, ok := f.assets[vault]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) LatestAnswer(context.Context, common.Address, uint64) (*big.Int, error) {
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	if f.price == nil {
		return big.NewInt(100000000), nil
	}
	return new(big.Int).Set(f.price), nil
}

func (f *fakeChain) Transfers(token common.Address, from, to uint64) *chain.TransferIterator {
	return chain.NewTransferIterator(f, token, from, to, f.span)
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	tokenMatches := f.filterErrToken == (common.Address{}) || (len(q.Addresses) > 0 && q.Addresses[0] == f.filterErrToken)
	if f.filterErrAt != 0 && tokenMatches && from <= f.filterErrAt && f.filterErrAt <= to {
		return nil, errors.New("upstream timeout")
	}
	var out []gethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

type storedSnapshot struct {
	vsb      models.VaultSnapshotBlock
	balances map[common.Address]*big.Int
}

type fakeStore struct {
	mu        sync.Mutex
	vaults    []models.Vault
	blocks    []models.SnapshotBlock
	snapshots map[int64][]storedSnapshot
	nextID    int64

	insertErr map[int64]error // by vault id
	blockErr  error
}

func newFakeStore(vaults ...models.Vault) *fakeStore {
	return &fakeStore{vaults: vaults, snapshots: map[int64][]storedSnapshot{}}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) LatestSnapshotBlock(context.Context) (*models.SnapshotBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	sb := s.blocks[len(s.blocks)-1]
	return &sb, nil
}

func (s *fakeStore) InsertSnapshotBlock(_ context.Context, blockNumber uint64, ts time.Time) (models.SnapshotBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return models.SnapshotBlock{}, s.blockErr
	}
	for _, b := range s.blocks {
		if b.BlockNumber == blockNumber {
			return models.SnapshotBlock{}, fmt.Errorf("duplicate snapshot block %d", blockNumber)
		}
	}
	sb := models.SnapshotBlock{ID: s.id(), BlockNumber: blockNumber, Timestamp: ts}
	s.blocks = append(s.blocks, sb)
	return sb, nil
}

func (s *fakeStore) SnapshotBlocksFrom(_ context.Context, fromBlock uint64) ([]models.SnapshotBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SnapshotBlock
	for _, b := range s.blocks {
		if b.BlockNumber >= fromBlock {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (s *fakeStore) ListVaults(_ context.Context, ids ...int64) ([]models.Vault, error) {
	if len(ids) == 0 {
		return s.vaults, nil
	}
	var out []models.Vault
	for _, v := range s.vaults {
		for _, id := range ids {
			if v.ID == id {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) LatestVaultSnapshotBlock(_ context.Context, vaultID int64) (*models.VaultSnapshotBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[vaultID]
	if len(snaps) == 0 {
		return nil, nil
	}
	vsb := snaps[len(snaps)-1].vsb
	return &vsb, nil
}

func (s *fakeStore) WalletBalances(_ context.Context, vsbID int64) (map[common.Address]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snaps := range s.snapshots {
		for _, snap := range snaps {
			if snap.vsb.ID != vsbID {
				continue
			}
			out := make(map[common.Address]*big.Int, len(snap.balances))
			for a, v := range snap.balances {
				out[a] = new(big.Int).Set(v)
			}
			return out, nil
		}
	}
	return map[common.Address]*big.Int{}, nil
}

func (s *fakeStore) InsertVaultSnapshot(_ context.Context, snap models.VaultSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertErr[snap.VaultID]; err != nil {
		return 0, err
	}
	snaps := s.snapshots[snap.VaultID]
	if n := len(snaps); n > 0 && snaps[n-1].vsb.BlockNumber >= snap.SnapshotBlock.BlockNumber {
		return 0, errors.New("out of order snapshot")
	}
	balances := make(map[common.Address]*big.Int, len(snap.Holdings))
	for _, h := range snap.Holdings {
		if h.Amount.Sign() == 0 || h.Address == (common.Address{}) {
			return 0, fmt.Errorf("unexpected holding %s=%s", h.Address.Hex(), h.Amount)
		}
		balances[h.Address] = new(big.Int).Set(h.Amount)
	}
	vsb := models.VaultSnapshotBlock{
		ID:              s.id(),
		VaultID:         snap.VaultID,
		SnapshotBlockID: snap.SnapshotBlock.ID,
		BlockNumber:     snap.SnapshotBlock.BlockNumber,
		Timestamp:       snap.SnapshotBlock.Timestamp,
		Rate:            snap.Rate,
		Price:           snap.Price,
		Holders:         len(balances),
	}
	s.snapshots[snap.VaultID] = append(snaps, storedSnapshot{vsb: vsb, balances: balances})
	return vsb.ID, nil
}

// balancesAt returns the stored balances of a vault at a checkpoint block as int64s.
func (s *fakeStore) balancesAt(vaultID int64, block uint64) (map[common.Address]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots[vaultID] {
		if snap.vsb.BlockNumber != block {
			continue
		}
		out := make(map[common.Address]int64, len(snap.balances))
		for a, v := range snap.balances {
			out[a] = v.Int64()
		}
		return out, true
	}
	return nil, false
}

func (s *fakeStore) snapshotBlocks(vaultID int64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, snap := range s.snapshots[vaultID] {
		out = append(out, snap.vsb.BlockNumber)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.VaultSnapshot
}

func (n *recordingNotifier) VaultSnapshotCommitted(_ context.Context, snap models.VaultSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, snap)
}

// gatedNotifier holds the first commit until release is closed.
type gatedNotifier struct {
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{reached: make(chan struct{}), release: make(chan struct{})}
}

func (n *gatedNotifier) VaultSnapshotCommitted(context.Context, models.VaultSnapshot) {
	n.once.Do(func() {
		close(n.reached)
		<-n.release
	})
}
