package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// DefaultConcurrency bounds how many vaults replay at once.
const DefaultConcurrency = 4

// Store is everything a run reads from and writes to the relational store.
type Store interface {
	CheckpointStore
	VaultStore
	ListVaults(ctx context.Context, ids ...int64) ([]models.Vault, error)
}

// ChainReader is the chain RPC surface a run needs.
type ChainReader interface {
	HeaderReader
	ValuationReader
	TransferSource
}

type Config struct {
	Concurrency     int
	VaultIDs        []int64       // empty means every vault
	CheckpointStart time.Time     // first day on an empty store
	LookupDelay     time.Duration // spacing between block lookups
	Now             func() time.Time
}

// RunReport summarises one run.
type RunReport struct {
	Checkpoints []models.SnapshotBlock // SnapshotBlocks added by this run
	Vaults      []VaultProgress        // ordered by vault id
	Duration    time.Duration
}

// Committed counts vault checkpoints written across all vaults.
func (r RunReport) Committed() int {
	n := 0
	for _, v := range r.Vaults {
		n += v.Committed
	}
	return n
}

// Failed lists the vaults whose pass ended in an error.
func (r RunReport) Failed() []int64 {
	var ids []int64
	for _, v := range r.Vaults {
		if v.Err != nil {
			ids = append(ids, v.VaultID)
		}
	}
	return ids
}

// Indexer runs the daily checkpoint scheduler followed by one pass per vault.
type Indexer struct {
	logger    *zap.Logger
	store     Store
	chain     ChainReader
	notifier  Notifier
	scheduler *Scheduler
	sampler   *Sampler
	cfg       Config

	mu       sync.Mutex // one run at a time
	progress *xsync.Map[int64, VaultProgress]
}

func New(logger *zap.Logger, store Store, chain ChainReader, lookup BlockLookup, notifier Notifier, cfg Config) *Indexer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Indexer{
		logger:   logger,
		store:    store,
		chain:    chain,
		notifier: notifier,
		scheduler: NewScheduler(logger.With(zap.String("stage", "scheduler")), store, lookup, chain, SchedulerConfig{
			Start: cfg.CheckpointStart,
			Delay: cfg.LookupDelay,
			Now:   cfg.Now,
		}),
		sampler:  NewSampler(chain),
		cfg:      cfg,
		progress: xsync.NewMap[int64, VaultProgress](),
	}
}

// Run checkpoints pending days, then brings every selected vault up to the newest checkpoint.
// Vault failures do not stop other vaults; every error is joined into the returned one.
func (ix *Indexer) Run(ctx context.Context) (RunReport, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	ix.progress.Clear()

	var errs []error
	added, err := ix.scheduler.Run(ctx)
	if err != nil {
		// Vaults can still catch up to the checkpoints that were committed.
		ix.logger.Error("checkpoint scheduler stopped", zap.Int("added", len(added)), zap.Error(err))
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if ctx.Err() != nil {
		return RunReport{Checkpoints: added, Duration: time.Since(start)}, errors.Join(append(errs, ctx.Err())...)
	}

	vaults, err := ix.store.ListVaults(ctx, ix.cfg.VaultIDs...)
	if err != nil {
		errs = append(errs, fmt.Errorf("list vaults: %w", err))
		return RunReport{Checkpoints: added, Duration: time.Since(start)}, errors.Join(errs...)
	}
	if len(ix.cfg.VaultIDs) > 0 && len(vaults) < len(ix.cfg.VaultIDs) {
		ix.logger.Warn("some requested vaults do not exist",
			zap.Int64s("requested", ix.cfg.VaultIDs),
			zap.Int("found", len(vaults)))
	}

	pool := pond.NewPool(ix.cfg.Concurrency, pond.WithQueueSize(len(vaults)+1))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var errMu sync.Mutex
	for _, v := range vaults {
		pass := &vaultPass{
			logger:   ix.logger.With(zap.Int64("vaultId", v.ID), zap.String("vault", v.Name)),
			store:    ix.store,
			chain:    ix.chain,
			sampler:  ix.sampler,
			notifier: ix.notifier,
			vault:    v,
			progress: VaultProgress{VaultID: v.ID, Name: v.Name, State: StateIdle},
			board:    ix.progress,
		}
		pass.publish()

		group.Submit(func() {
			pass.progress.StartedAt = time.Now()
			defer func() {
				pass.progress.CompletedAt = time.Now()
				pass.publish()
			}()

			if err := pass.run(groupCtx); err != nil {
				pass.logger.Error("vault pass failed", zap.Error(err))
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		ix.logger.Warn("vault group encountered error", zap.Error(err))
	}

	report := RunReport{
		Checkpoints: added,
		Vaults:      ix.Progress(),
		Duration:    time.Since(start),
	}
	ix.logger.Info("run complete",
		zap.Int("checkpointsAdded", len(added)),
		zap.Int("vaults", len(report.Vaults)),
		zap.Int("vaultCheckpointsCommitted", report.Committed()),
		zap.Int64s("failedVaults", report.Failed()),
		zap.Duration("duration", report.Duration))

	return report, errors.Join(errs...)
}

// Progress returns the per-vault progress of the current run, or of the last one when idle.
// It is safe to call while Run is in flight.
func (ix *Indexer) Progress() []VaultProgress {
	out := make([]VaultProgress, 0, ix.progress.Size())
	ix.progress.Range(func(_ int64, p VaultProgress) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VaultID < out[j].VaultID })
	return out
}
