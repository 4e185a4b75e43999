package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/otterfi/otter-point/pkg/blocklookup"
	"github.com/otterfi/otter-point/pkg/chain"
	"github.com/otterfi/otter-point/pkg/db/postgres/ledger"
	idx "github.com/otterfi/otter-point/pkg/indexer"
	"github.com/otterfi/otter-point/pkg/logging"
	"github.com/otterfi/otter-point/pkg/redis"
	"github.com/otterfi/otter-point/pkg/utils"
)

const defaultLookupURL = "https://api.scrollscan.com/api"

// Runner is the indexer surface the app drives.
type Runner interface {
	Run(ctx context.Context) (idx.RunReport, error)
	Progress() []idx.VaultProgress
}

// App runs the snapshot indexer once, or on a cron schedule when CRON_SPEC is set.
type App struct {
	Logger  *zap.Logger
	DB      *ledger.DB
	Chain   *chain.Client
	Redis   *redis.Client // nil unless REDIS_ENABLED
	Indexer Runner

	// Cron triggers runs in daemon mode; nil in single-run mode.
	Cron       *cron.Cron
	CronSpec   string
	RunTimeout time.Duration

	// Server exposes health checks and run progress in daemon mode.
	Server *http.Server

	lastReport atomic.Pointer[runResult]
	running    atomic.Bool
}

type runResult struct {
	Report   idx.RunReport
	Err      error
	Finished time.Time
}

// Initialize wires the store, chain client, block lookup and optional Redis notifier.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("indexer")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		return nil, err
	}

	db, err := ledger.New(ctx, logger, "indexer")
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	rpcURL := utils.Env("RPC_URL", "")
	if rpcURL == "" {
		db.Close()
		return nil, errors.New("RPC_URL environment variable is required")
	}
	chainClient, err := chain.Dial(ctx, rpcURL, utils.EnvUint64("LOG_PAGE_SPAN", chain.DefaultPageSpan))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	endpoints := utils.EnvList("BLOCK_LOOKUP_URL")
	if len(endpoints) == 0 {
		endpoints = []string{defaultLookupURL}
	}
	lookup := blocklookup.New(blocklookup.Opts{
		Endpoints: endpoints,
		APIKey:    utils.Env("BLOCK_LOOKUP_API_KEY", ""),
	})

	app := &App{
		Logger:     logger,
		DB:         db,
		Chain:      chainClient,
		CronSpec:   utils.Env("CRON_SPEC", ""),
		RunTimeout: utils.EnvDuration("RUN_TIMEOUT", 2*time.Hour),
	}

	var notifier idx.Notifier
	if utils.EnvBool("REDIS_ENABLED", false) {
		rc, err := redis.NewClient(ctx, logger)
		if err != nil {
			// notifications are best effort; the indexer runs without them
			logger.Warn("Redis unavailable, snapshot notifications disabled", zap.Error(err))
		} else {
			app.Redis = rc
			notifier = redis.NewSnapshotNotifier(rc, logger)
		}
	}

	app.Indexer = idx.New(logger, db, chainClient, lookup, notifier, idx.Config{
		Concurrency:     utils.EnvInt("VAULT_CONCURRENCY", idx.DefaultConcurrency),
		VaultIDs:        utils.ParseIDs(utils.EnvList("VAULT_IDS")),
		CheckpointStart: time.Unix(utils.EnvInt64("CHECKPOINT_START", idx.DefaultCheckpointStart.Unix()), 0),
		LookupDelay:     utils.EnvDuration("LOOKUP_DELAY", 200*time.Millisecond),
	})

	if app.CronSpec != "" {
		if err := app.SetupScheduler(ctx, app.CronSpec); err != nil {
			app.Close()
			return nil, fmt.Errorf("invalid CRON_SPEC %q: %w", app.CronSpec, err)
		}
	}

	return app, nil
}

// RunOnce performs one bounded indexer run and records its outcome for the progress endpoint.
func (a *App) RunOnce(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		a.Logger.Warn("previous run still in progress, skipping")
		return nil
	}
	defer a.running.Store(false)

	if a.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.RunTimeout)
		defer cancel()
	}

	report, err := a.Indexer.Run(ctx)
	a.lastReport.Store(&runResult{Report: report, Err: err, Finished: time.Now()})
	return err
}

// Daemon reports whether the app was configured with a cron schedule.
func (a *App) Daemon() bool {
	return a.Cron != nil
}

// StartServer binds ADDR and serves health and progress in the background. Server.Addr holds the
// bound address afterwards.
func (a *App) StartServer() error {
	a.SetupServer()
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
	}
	a.Server.Addr = ln.Addr().String()
	a.Logger.Info("[indexer] serving health and progress", zap.String("addr", a.Server.Addr))

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("health server stopped", zap.Error(err))
		}
	}()
	return nil
}

// RunDaemon serves health and progress, runs once immediately, then follows the cron schedule until
// ctx is canceled.
func (a *App) RunDaemon(ctx context.Context) error {
	if err := a.StartServer(); err != nil {
		return err
	}
	if err := a.RunOnce(ctx); err != nil {
		a.Logger.Error("initial run failed", zap.Error(err))
	}
	a.Start(ctx)
	return nil
}

// Start runs the cron schedule until ctx is canceled, then stops the server started by StartServer.
func (a *App) Start(ctx context.Context) {
	a.StartCron()
	<-ctx.Done()

	a.Logger.Info("[indexer] shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.Server != nil {
		_ = a.Server.Shutdown(shutdownCtx)
	}
	a.StopCron()
}

// Close releases every connection the app opened.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Chain != nil {
		a.Chain.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	a.Logger.Info("さようなら!")
	_ = a.Logger.Sync()
}
