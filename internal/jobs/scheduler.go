// Package jobs запускает фоновые задачи магазина по расписанию cron.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Tasks операции, выполняемые по расписанию.
type Tasks interface {
	RedeliverPending(ctx context.Context) (int, error)
	ReportDeferred(ctx context.Context) (int, error)
}

// Schedules расписания задач в формате cron. Пустая строка отключает задачу.
type Schedules struct {
	Redelivery     string
	DeferredReport string
}

const jobTimeout = 2 * time.Minute

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron      *cron.Cron
	tasks     Tasks
	schedules Schedules
	log       *zap.Logger
}

// NewScheduler создаёт планировщик. Пересекающиеся запуски одной задачи пропускаются.
func NewScheduler(tasks Tasks, schedules Schedules, log *zap.Logger) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &Scheduler{
		cron:      c,
		tasks:     tasks,
		schedules: schedules,
		log:       log,
	}
}

// Start регистрирует задачи и запускает планировщик. Задачи получают
// контекст, производный от ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.add(ctx, s.schedules.Redelivery, "redelivery", s.tasks.RedeliverPending); err != nil {
		return err
	}
	if err := s.add(ctx, s.schedules.DeferredReport, "deferred_report", s.tasks.ReportDeferred); err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop останавливает планировщик и ждёт завершения запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) add(ctx context.Context, spec, name string, task func(context.Context) (int, error)) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() { s.run(ctx, name, task) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, task func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	n, err := task(ctx)
	if err != nil {
		s.log.Error("scheduled job error", zap.String("job", name), zap.Error(err))
		return
	}
	s.log.Debug("scheduled job finished", zap.String("job", name), zap.Int("processed", n))
}
