package controller

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/otterfi/otter-point/pkg/utils"
)

type walletKey struct{}

// WalletFromContext returns the wallet address authenticated by RequireWallet.
func WalletFromContext(ctx context.Context) (string, bool) {
	wallet, ok := ctx.Value(walletKey{}).(string)
	return wallet, ok && wallet != ""
}

// ParseWallet validates an HS256 token and returns its walletAddress claim.
func (c *Controller) ParseWallet(raw string) (string, bool) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	wallet, _ := claims["walletAddress"].(string)
	wallet = strings.TrimSpace(wallet)
	return wallet, wallet != ""
}

// RequireWallet middleware
func (c *Controller) RequireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			utils.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		wallet, ok := c.ParseWallet(strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			utils.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), walletKey{}, wallet)))
	})
}
