package controller

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/otterfi/otter-point/app/api/types"
	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
	"github.com/otterfi/otter-point/pkg/points"
)

// PointsService is what the handlers need from points.Service.
type PointsService interface {
	Summary(ctx context.Context, wallet string) (points.Summary, error)
	SetReferralCode(ctx context.Context, wallet, code string) (models.Referral, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Controller struct {
	Logger    *zap.Logger
	Points    PointsService
	DB        Pinger
	JWTSecret []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		Logger:    app.Logger,
		Points:    app.Points,
		DB:        app.DB.Pool,
		JWTSecret: app.JWTSecret,
	}
}

// WithCORS lets the web app call the API with credentials: the request origin is echoed back,
// and requests without an Origin get a wildcard. Preflights end here with 204.
func WithCORS(next http.Handler) http.Handler {
	const (
		allowHeaders = "Content-Type, Authorization"
		allowMethods = "GET, POST, OPTIONS"
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Allow-Methods", allowMethods)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter wires the liveness and points routes. Points routes require a bearer token.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/", c.HandleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)

	r.Handle("/otter-point", c.RequireWallet(http.HandlerFunc(c.HandleOtterPoint))).Methods(http.MethodGet)
	r.Handle("/otter-point/referral", c.RequireWallet(http.HandlerFunc(c.HandleSetReferral))).Methods(http.MethodPost)

	return r, nil
}
