// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go           — Handler с DI (хранилища, источник событий, logger)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — middleware (logging, recovery, метрики)
//   - response.go          — унифицированные JSON-ответы и обработка ошибок
//   - dto.go               — Data Transfer Objects (request/response)
//   - transform_handler.go — обработчики для /transforms и /stats
//   - ledger_handler.go    — обработчики для /pending и /reconciliation-runs
//   - events.go            — websocket-мост status-событий /events
//
// API — административная поверхность: регистрация трансформаций
// и единиц работы, счётчики прогонов, состояние ledger и поток
// status-событий для вызывающих сервисов.
package api
