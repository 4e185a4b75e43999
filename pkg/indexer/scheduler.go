package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// ErrNonMonotonicCheckpoint is returned when a resolved block does not move past the previous checkpoint.
var ErrNonMonotonicCheckpoint = errors.New("checkpoint does not advance")

// DefaultCheckpointStart is the first daily boundary when nothing has been checkpointed yet.
var DefaultCheckpointStart = time.Unix(1708992000, 0).UTC()

type CheckpointStore interface {
	LatestSnapshotBlock(ctx context.Context) (*models.SnapshotBlock, error)
	InsertSnapshotBlock(ctx context.Context, blockNumber uint64, timestamp time.Time) (models.SnapshotBlock, error)
}

// BlockLookup resolves the first block at or after a timestamp.
type BlockLookup interface {
	BlockAfter(ctx context.Context, ts time.Time) (uint64, error)
}

type HeaderReader interface {
	HeaderTime(ctx context.Context, block uint64) (time.Time, error)
}

// Scheduler appends one SnapshotBlock per completed UTC day.
type Scheduler struct {
	logger  *zap.Logger
	store   CheckpointStore
	lookup  BlockLookup
	headers HeaderReader
	pace    *rate.Limiter
	start   time.Time
	now     func() time.Time
}

type SchedulerConfig struct {
	Start time.Time     // first boundary on an empty store
	Delay time.Duration // spacing between lookup calls
	Now   func() time.Time
}

func NewScheduler(logger *zap.Logger, store CheckpointStore, lookup BlockLookup, headers HeaderReader, cfg SchedulerConfig) *Scheduler {
	if cfg.Start.IsZero() {
		cfg.Start = DefaultCheckpointStart
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Scheduler{
		logger:  logger,
		store:   store,
		lookup:  lookup,
		headers: headers,
		pace:    rate.NewLimiter(limit, 1),
		start:   midnight(cfg.Start),
		now:     cfg.Now,
	}
}

// Run checkpoints every pending day in order and returns what it committed. The first failure
// stops the run; days committed before it stay committed.
func (s *Scheduler) Run(ctx context.Context) ([]models.SnapshotBlock, error) {
	last, err := s.store.LatestSnapshotBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot block: %w", err)
	}

	days := PendingDays(last, s.now(), s.start)
	if len(days) == 0 {
		s.logger.Debug("checkpoints up to date")
		return nil, nil
	}
	s.logger.Info("checkpointing days",
		zap.Int("days", len(days)),
		zap.Time("from", days[0]),
		zap.Time("to", days[len(days)-1]))

	added := make([]models.SnapshotBlock, 0, len(days))
	for _, day := range days {
		if err := s.pace.Wait(ctx); err != nil {
			return added, err
		}

		block, err := s.lookup.BlockAfter(ctx, day)
		if err != nil {
			return added, fmt.Errorf("resolve block for %s: %w", day.Format(time.DateOnly), err)
		}
		ts, err := s.headers.HeaderTime(ctx, block)
		if err != nil {
			return added, fmt.Errorf("header of block %d: %w", block, err)
		}
		if last != nil && (block <= last.BlockNumber || !ts.After(last.Timestamp)) {
			return added, fmt.Errorf("day %s resolved to block %d at %s, previous block %d at %s: %w",
				day.Format(time.DateOnly), block, ts.Format(time.RFC3339),
				last.BlockNumber, last.Timestamp.Format(time.RFC3339), ErrNonMonotonicCheckpoint)
		}

		sb, err := s.store.InsertSnapshotBlock(ctx, block, ts)
		if err != nil {
			return added, fmt.Errorf("insert snapshot block %d: %w", block, err)
		}
		s.logger.Info("checkpoint committed",
			zap.Time("day", day),
			zap.Uint64("blockNumber", sb.BlockNumber),
			zap.Time("blockTime", sb.Timestamp))

		added = append(added, sb)
		last = &sb
	}
	return added, nil
}

// PendingDays lists the UTC midnights still to checkpoint: from the day after the last checkpoint
// (or start) up to and including today's midnight, which closes yesterday.
func PendingDays(last *models.SnapshotBlock, now, start time.Time) []time.Time {
	first := midnight(start)
	if last != nil {
		first = midnight(last.Timestamp).AddDate(0, 0, 1)
	}
	end := midnight(now)

	var days []time.Time
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
