// Package scheduler запускает периодические циклы Conveyor.
//
// Loop выполняет функцию сразу при старте и далее по расписанию
// robfig/cron: стандартное cron-выражение из пяти полей или дескриптор
// вида "@every 15s". Scanner и reconciler запускаются как отдельные Loop
// в процессе conveyor-scheduler.
//
// Использование:
//
//	loop, err := scheduler.NewLoop("scanner", cfg.Scanner.Schedule, func(ctx context.Context) error {
//	    _, err := scan.Tick(ctx)
//	    return err
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loop.Locker = repo.NewAdvisoryLock(pool, repo.ScannerLockKey)
//	loop.Logger = logger
//
//	go loop.Start(ctx)
//
// Leader Election:
//
// Несколько экземпляров безопасны: dedup window и журнал ledger
// исключают двойную отправку. Locker (pg_try_advisory_lock) лишь
// убирает лишнюю работу: тик выполняет только держатель lock.
package scheduler
