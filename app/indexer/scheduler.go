package indexer

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func newCronLogger(logger *zap.Logger) cron.Logger {
	return cronLogger{sugar: logger.With(zap.String("stage", "cron")).Sugar()}
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// SetupScheduler registers a run on cronSpec (seconds field optional). Overlapping ticks are skipped.
func (a *App) SetupScheduler(ctx context.Context, cronSpec string) error {
	logger := newCronLogger(a.Logger)
	a.Cron = cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)

	_, err := a.Cron.AddFunc(cronSpec, func() {
		if err := a.RunOnce(ctx); err != nil {
			a.Logger.Error("[indexer] run failed", zap.Error(err))
		}
	})
	return err
}

func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[indexer] Cron started", zap.String("cronSpec", a.CronSpec))
}

func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}
