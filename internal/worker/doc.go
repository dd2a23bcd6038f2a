// Package worker выполняет jobs из очередей work.{kind}.
//
// # Обзор
//
// Worker — stateless компонент системы Conveyor. Каждый экземпляр
// потребляет очереди всех настроенных kinds и для каждой delivery:
//
//  1. Разбирает и валидирует job (битое сообщение → dlq.{kind})
//  2. Получает разрешение у admission controller'а
//  3. Вызывает processor через circuit breaker зависимости
//  4. Применяет исход к delivery и записывает результат
//  5. Публикует status-события started / retrying / completed / failed
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди.
//
// # Ключевые компоненты
//
// ## Worker
//
//	w := worker.New(worker.Config{
//	    Queue:     workQueue,
//	    Outcomes:  statsRepo,
//	    Processor: registry,
//	    Status:    publisher,
//	    Breakers:  breakers,
//	    Limiter:   admission.New(cfg.Admission),
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ## Processor
//
// ProcessorRegistry сопоставляет kind и KindProcessor.
// HTTPProcessor отправляет job POST-запросом во внешний сервис
// и классифицирует ответ.
//
// # Исходы
//
//   - Успех → запись completed, Ack
//   - Временная ошибка → Nak с задержкой RedeliveryBackoff(attempt)
//   - Временная ошибка на последней попытке → Exhausted, запись failed
//   - Фатальная ошибка → запись failed, Term (DeadLetterFatal) или Ack
//
// Результат записывается до подтверждения delivery. Если запись
// не удалась, delivery возвращается брокеру. Повторная доставка уже
// записанной единицы подтверждается без события.
//
// Ошибки перегрузки (429, 503) снижают лимит admission controller'а,
// успехи постепенно его повышают.
//
// # Остановка
//
// Stop прекращает приём сообщений и ждёт in-flight jobs не дольше
// ShutdownGrace. Канал consumer'а остаётся открытым, пока jobs не
// подтвердят delivery. Отменённые jobs бросают delivery, и брокер
// возвращает сообщение в очередь при закрытии канала.
package worker
