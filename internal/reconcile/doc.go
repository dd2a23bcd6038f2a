// Package reconcile реализует реконсиляцию pending ledger.
//
// Runner.Sweep переотправляет batches, публикация которых не удалась
// при сканировании, находит трансформации с «зависшими» единицами
// и очищает старые записи. Каждый прогон записывается в
// reconciliation_runs.
//
// Жизненный цикл записи ledger:
//
//	pending → published (переотправка подтверждена брокером)
//	        → pending   (ошибка, retry_count+1, next_retry_at = now + backoff)
//	        → expired   (retry_count > max_retries, лог уровня error)
//	        → failed    (payload не восстанавливается)
//
// Sweep безопасно запускать из нескольких экземпляров: due-записи
// арендуются через FOR UPDATE SKIP LOCKED.
package reconcile
