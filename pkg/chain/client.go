package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultPageSpan is the widest block range requested from eth_getLogs in one call.
const DefaultPageSpan uint64 = 2000

// Backend is the subset of the Ethereum JSON-RPC used by the indexer.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Client performs block-pinned contract reads and Transfer log queries.
type Client struct {
	backend  Backend
	pageSpan uint64
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string, pageSpan uint64) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	ec, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	return NewClient(ec, pageSpan), nil
}

// NewClient wraps an existing backend. A zero pageSpan selects DefaultPageSpan.
func NewClient(backend Backend, pageSpan uint64) *Client {
	if pageSpan == 0 {
		pageSpan = DefaultPageSpan
	}
	return &Client{backend: backend, pageSpan: pageSpan}
}

// Close releases the underlying RPC connection when the backend owns one.
func (c *Client) Close() {
	if ec, ok := c.backend.(*ethclient.Client); ok {
		ec.Close()
	}
}

// HeaderTime returns the timestamp of a block.
func (c *Client) HeaderTime(ctx context.Context, block uint64) (time.Time, error) {
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return time.Time{}, fmt.Errorf("block %d not found", block)
		}
		return time.Time{}, fmt.Errorf("fetch header %d: %w", block, err)
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("block %d header missing", block)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// TotalSupply returns the vault's outstanding shares at block.
func (c *Client) TotalSupply(ctx context.Context, vault common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, VaultABI, vault, block, "totalSupply")
}

// TotalAssets returns the underlying assets managed by the vault at block.
func (c *Client) TotalAssets(ctx context.Context, vault common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, VaultABI, vault, block, "totalAssets")
}

// BalanceOf returns holder's share balance at block. The indexer derives balances from Transfer
// replay; this read is for spot checks against a single wallet.
func (c *Client) BalanceOf(ctx context.Context, vault, holder common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, VaultABI, vault, block, "balanceOf", holder)
}

// LatestAnswer returns the oracle price at block (8 decimals fixed point).
func (c *Client) LatestAnswer(ctx context.Context, oracle common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, OracleABI, oracle, block, "latestAnswer")
}

// Transfers returns a paginated iterator over Transfer events of token in [from, to].
func (c *Client) Transfers(token common.Address, from, to uint64) *TransferIterator {
	return NewTransferIterator(c.backend, token, from, to, c.pageSpan)
}

func (c *Client) callBig(ctx context.Context, contract abi.ABI, to common.Address, block uint64, method string, args ...any) (*big.Int, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("call %s on %s at block %d: %w", method, to.Hex(), block, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s on %s at block %d: %w", method, to.Hex(), block, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}
