package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/otterfi/otter-point/pkg/db/postgres/ledger"
	"github.com/otterfi/otter-point/pkg/points"
)

type App struct {
	DB     *ledger.DB
	Points *points.Service
	// JWTSecret verifies the HS256 bearer tokens issued by the wallet login service.
	JWTSecret []byte
	Logger    *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start serves until ctx is canceled, then shuts the server down and closes the pool.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Failed to shutdown server", zap.Error(err))
	}
	a.DB.Close()
	a.Logger.Info("さようなら!")
	_ = a.Logger.Sync()
}
