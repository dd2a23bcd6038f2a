// Package telemetry — логирование и метрики всех бинарников Conveyor.
//
//   - logging.go — slog, уровень и формат из конфига или LOG_LEVEL/LOG_FORMAT
//   - metrics.go — Prometheus коллекторы conveyor_* (promauto)
//
// Компоненты пишут в коллекторы напрямую, состояние breaker'ов
// и admission controller'а попадает сюда через их хуки OnStateChange/OnChange.
// Каждый процесс отдаёт /metrics и /healthz.
package telemetry
