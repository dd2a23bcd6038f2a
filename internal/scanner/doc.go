// Package scanner реализует периодическую отправку работ.
//
// Scanner на каждом тике перечисляет необработанные единицы включённых
// трансформаций и публикует job на каждую в durable очередь. Если
// публикация не удалась, job записывается в pending ledger, откуда его
// переотправит reconcile.Runner. Если недоступен и ledger, единица
// остаётся необработанной и вернётся в следующем тике: работа не теряется.
//
// Использование:
//
//	sc := scanner.New(scanner.Config{
//	    Transforms: transformRepo,
//	    Enumerator: unitRepo,
//	    Dispatcher: workQueue,
//	    Ledger:     ledgerRepo,
//	    Stats:      statsRepo,
//	    Logger:     logger,
//	})
//
//	result, err := sc.Tick(ctx)
//
// Scanner не реализует leader election: несколько экземпляров безопасны
// благодаря окну дедупликации, advisory lock в scheduler.Loop лишь
// убирает лишнюю работу.
package scanner
