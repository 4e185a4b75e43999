package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// RateScale is the number of fractional digits kept for the share-to-asset rate.
const RateScale = 18

// ValuationReader is the chain surface the sampler reads at a pinned block.
type ValuationReader interface {
	TotalSupply(ctx context.Context, vault common.Address, block uint64) (*big.Int, error)
	TotalAssets(ctx context.Context, vault common.Address, block uint64) (*big.Int, error)
	LatestAnswer(ctx context.Context, oracle common.Address, block uint64) (*big.Int, error)
}

// Valuation is a vault's rate and price at one block, plus the supply it was derived from.
type Valuation struct {
	Rate        decimal.Decimal
	Price       *big.Int
	TotalSupply *big.Int
	TotalAssets *big.Int
}

type Sampler struct {
	reader ValuationReader
}

func NewSampler(reader ValuationReader) *Sampler {
	return &Sampler{reader: reader}
}

// Sample reads totalSupply, totalAssets and the oracle answer at block.
func (s *Sampler) Sample(ctx context.Context, v models.Vault, block uint64) (Valuation, error) {
	supply, err := s.reader.TotalSupply(ctx, v.Address, block)
	if err != nil {
		return Valuation{}, fmt.Errorf("total supply: %w", err)
	}
	assets, err := s.reader.TotalAssets(ctx, v.Address, block)
	if err != nil {
		return Valuation{}, fmt.Errorf("total assets: %w", err)
	}
	price, err := s.reader.LatestAnswer(ctx, v.OracleAddress, block)
	if err != nil {
		return Valuation{}, fmt.Errorf("oracle answer: %w", err)
	}

	return Valuation{
		Rate:        Rate(assets, supply),
		Price:       price,
		TotalSupply: supply,
		TotalAssets: assets,
	}, nil
}

// Rate is assets/supply rounded to RateScale digits, or zero when nothing is outstanding.
func Rate(assets, supply *big.Int) decimal.Decimal {
	if supply == nil || supply.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(assets, 0).DivRound(decimal.NewFromBigInt(supply, 0), RateScale)
}
