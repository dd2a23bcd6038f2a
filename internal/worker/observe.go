package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/shaiso/Conveyor/internal/admission"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// ObserveBreakers возвращает обработчик BreakerConfig.OnStateChange,
// который пишет переходы в лог и метрики.
func ObserveBreakers(logger *slog.Logger) func(name string, from, to resilience.State) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, from, to resilience.State) {
		telemetry.BreakerState.WithLabelValues(name).Set(float64(to))
		telemetry.BreakerTransitions.WithLabelValues(name, to.String()).Inc()

		level := slog.LevelInfo
		if to == resilience.StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker state changed",
			"dependency", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// ObserveAdmission возвращает обработчик admission.Config.OnChange,
// который обновляет метрики и логирует изменение лимита.
func ObserveAdmission(logger *slog.Logger) func(admission.Snapshot) {
	if logger == nil {
		logger = slog.Default()
	}
	var last atomic.Int64
	last.Store(-1)
	return func(s admission.Snapshot) {
		telemetry.AdmissionLimit.Set(float64(s.Limit))
		telemetry.AdmissionInFlight.Set(float64(s.InFlight))

		if prev := last.Swap(int64(s.Limit)); prev != int64(s.Limit) {
			logger.Debug("admission limit changed", "limit", s.Limit, "in_flight", s.InFlight, "waiting", s.Waiting)
		}
	}
}
