package api

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/otterfi/otter-point/app/api/types"
	"github.com/otterfi/otter-point/pkg/db/postgres/ledger"
	"github.com/otterfi/otter-point/pkg/logging"
	"github.com/otterfi/otter-point/pkg/points"
	"github.com/otterfi/otter-point/pkg/utils"
)

// Initialize opens the ledger store and builds the points service.
func Initialize(ctx context.Context) (*types.App, error) {
	logger, err := logging.New("api")
	if err != nil {
		return nil, err
	}

	secret := utils.Env("JWT_SECRET", "")
	if secret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}

	db, err := ledger.New(ctx, logger, "api")
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	return &types.App{
		DB:        db,
		Points:    points.NewService(logger.With(zap.String("service", "points")), db),
		JWTSecret: []byte(secret),
		Logger:    logger,
	}, nil
}
