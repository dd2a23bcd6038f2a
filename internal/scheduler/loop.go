package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Locker — блокировка лидера. Реализуется repo.AdvisoryLock.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Loop — периодический цикл: выполняет Run сразу при старте,
// затем в моменты Schedule.Next.
//
// Если задан Locker, тик выполняется только экземпляром, который держит lock.
// Остальные экземпляры пропускают тик и пробуют снова на следующем.
type Loop struct {
	Name     string
	Schedule cron.Schedule
	Run      func(ctx context.Context) error
	Locker   Locker
	Logger   *slog.Logger

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// NewLoop создаёт Loop с расписанием из выражения expr.
func NewLoop(name, expr string, run func(ctx context.Context) error) (*Loop, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Loop{Name: name, Schedule: sched, Run: run}, nil
}

// Start выполняет цикл до отмены ctx. При выходе снимает lock.
func (l *Loop) Start(ctx context.Context) error {
	if l.Run == nil {
		return ErrNoRun
	}
	if l.Schedule == nil {
		return ErrInvalidSchedule
	}

	logger := l.logger()
	logger.Info("loop started")

	defer func() {
		if l.Locker != nil {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := l.Locker.Unlock(uctx); err != nil {
				logger.Warn("failed to release leader lock", "error", err)
			}
			cancel()
		}
		logger.Info("loop stopped")
	}()

	for {
		l.Tick(ctx)

		next := l.Schedule.Next(l.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Tick выполняет один тик: берёт lock (если задан) и вызывает Run.
// Возвращает false, если тик пропущен.
func (l *Loop) Tick(ctx context.Context) bool {
	logger := l.logger()

	if l.Locker != nil {
		ok, err := l.Locker.TryLock(ctx)
		if err != nil {
			logger.Warn("leader lock check failed, skipping tick", "error", err)
			return false
		}
		if !ok {
			logger.Debug("not leader, skipping tick")
			return false
		}
	}

	start := l.now()
	if err := l.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		logger.Error("loop tick failed", "error", err, "duration", l.now().Sub(start))
		return true
	}

	logger.Debug("loop tick completed", "duration", l.now().Sub(start))
	return true
}

func (l *Loop) logger() *slog.Logger {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("loop", l.Name)
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
