// Package points computes Otter points from the persisted vault snapshots and manages referrals.
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
	pgledger "github.com/otterfi/otter-point/pkg/db/postgres/ledger"
)

var (
	// ErrUnknownReferralCode means no user owns the submitted referral code.
	ErrUnknownReferralCode = errors.New("unknown referral code")
	// ErrUnknownUser means the caller's wallet has no user record.
	ErrUnknownUser  = errors.New("unknown user")
	ErrSelfReferral = errors.New("cannot refer yourself")
	// ErrAlreadyReferred means the caller already submitted a referral code.
	ErrAlreadyReferred = errors.New("referral code already set")
)

// ReferralWeight is the share of a referee's value credited to the referrer.
var ReferralWeight = decimal.RequireFromString("0.2")

type Store interface {
	UserByWallet(ctx context.Context, walletAddress string) (*models.User, error)
	ReferrerWallet(ctx context.Context, refereeWallet string) (string, error)
	InsertReferral(ctx context.Context, referrerUserID, refereeUserID int64, createdAt time.Time) (models.Referral, error)
	EarnedValue(ctx context.Context, walletAddress string) (decimal.Decimal, error)
	RefereeValue(ctx context.Context, referrerWallet string) (decimal.Decimal, error)
}

// Summary is a wallet's point balance. ReferralCode is the wallet of whoever referred it.
type Summary struct {
	ReferralCode *string
	Earned       decimal.Decimal
	Referral     decimal.Decimal
	Total        decimal.Decimal
}

type Service struct {
	logger *zap.Logger
	store  Store
	now    func() time.Time
}

func NewService(logger *zap.Logger, store Store) *Service {
	return &Service{logger: logger, store: store, now: time.Now}
}

// Summary returns the earned, referral and total amounts for wallet. Unknown wallets get zeros.
func (s *Service) Summary(ctx context.Context, wallet string) (Summary, error) {
	var out Summary

	referrer, err := s.store.ReferrerWallet(ctx, wallet)
	if err != nil {
		return Summary{}, err
	}
	if referrer != "" {
		out.ReferralCode = &referrer
	}

	if out.Earned, err = s.store.EarnedValue(ctx, wallet); err != nil {
		return Summary{}, err
	}
	referees, err := s.store.RefereeValue(ctx, wallet)
	if err != nil {
		return Summary{}, err
	}
	out.Referral = referees.Mul(ReferralWeight)
	out.Total = out.Earned.Add(out.Referral)
	return out, nil
}

// SetReferralCode records that wallet was referred by the owner of code. Both wallets must
// belong to existing users and a wallet can be referred only once.
func (s *Service) SetReferralCode(ctx context.Context, wallet, code string) (models.Referral, error) {
	code = strings.TrimSpace(code)
	if !common.IsHexAddress(code) {
		return models.Referral{}, fmt.Errorf("%w: %q is not a wallet address", ErrUnknownReferralCode, code)
	}
	if strings.EqualFold(code, strings.TrimSpace(wallet)) {
		return models.Referral{}, ErrSelfReferral
	}

	referrer, err := s.store.UserByWallet(ctx, code)
	if err != nil {
		return models.Referral{}, err
	}
	if referrer == nil {
		return models.Referral{}, fmt.Errorf("%w: %s", ErrUnknownReferralCode, code)
	}
	referee, err := s.store.UserByWallet(ctx, wallet)
	if err != nil {
		return models.Referral{}, err
	}
	if referee == nil {
		return models.Referral{}, fmt.Errorf("%w: %s", ErrUnknownUser, wallet)
	}

	ref, err := s.store.InsertReferral(ctx, referrer.ID, referee.ID, s.now())
	if err != nil {
		if errors.Is(err, pgledger.ErrDuplicateReferral) {
			return models.Referral{}, ErrAlreadyReferred
		}
		return models.Referral{}, err
	}
	s.logger.Info("referral recorded",
		zap.Int64("referralId", ref.ID),
		zap.String("referrer", referrer.WalletAddress),
		zap.String("referee", referee.WalletAddress))
	return ref, nil
}
