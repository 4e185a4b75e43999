package controller

import (
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/otterfi/otter-point/pkg/points"
	"github.com/otterfi/otter-point/pkg/utils"
)

type otterPointResponse struct {
	ReferralCode   *string         `json:"referral_code"`
	EarnedAmount   decimal.Decimal `json:"earned_amount"`
	ReferralAmount decimal.Decimal `json:"referral_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

type setReferralRequest struct {
	ReferralCode string `json:"referral_code"`
}

// HandleOtterPoint responds with the caller's earned, referral and total points.
func (c *Controller) HandleOtterPoint(w http.ResponseWriter, r *http.Request) {
	wallet, _ := WalletFromContext(r.Context())

	sum, err := c.Points.Summary(r.Context(), wallet)
	if err != nil {
		c.Logger.Error("points summary failed", zap.String("wallet", wallet), zap.Error(err))
		utils.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.WriteJSON(w, http.StatusOK, otterPointResponse{
		ReferralCode:   sum.ReferralCode,
		EarnedAmount:   sum.Earned,
		ReferralAmount: sum.Referral,
		TotalAmount:    sum.Total,
	})
}

// HandleSetReferral records the referral code submitted by the caller.
func (c *Controller) HandleSetReferral(w http.ResponseWriter, r *http.Request) {
	wallet, _ := WalletFromContext(r.Context())

	var req setReferralRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil || req.ReferralCode == "" {
		utils.WriteError(w, http.StatusBadRequest, "referral_code is required")
		return
	}

	_, err := c.Points.SetReferralCode(r.Context(), wallet, req.ReferralCode)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, struct{}{})
	case errors.Is(err, points.ErrUnknownReferralCode),
		errors.Is(err, points.ErrUnknownUser),
		errors.Is(err, points.ErrSelfReferral):
		utils.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, points.ErrAlreadyReferred):
		utils.WriteError(w, http.StatusConflict, err.Error())
	default:
		c.Logger.Error("set referral code failed", zap.String("wallet", wallet), zap.Error(err))
		utils.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
