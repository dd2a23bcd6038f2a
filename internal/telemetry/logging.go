package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LogConfig — параметры логирования.
type LogConfig struct {
	// Level — DEBUG, INFO, WARN, ERROR. По умолчанию INFO.
	Level string `yaml:"level"`

	// Format — "json" (по умолчанию) или "text".
	Format string `yaml:"format"`
}

// ParseLevel переводит строковый уровень в slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogLevel определяет уровень логирования из переменной окружения LOG_LEVEL.
func LogLevel() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
//
// Пустые поля cfg берутся из LOG_LEVEL и LOG_FORMAT.
func SetupLogger(cfg LogConfig) *slog.Logger {
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	if cfg.Format == "" {
		cfg.Format = os.Getenv("LOG_FORMAT")
	}

	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// Ключи контекста для передачи данных в логгер.
type ctxKey string

const (
	// CtxLogger — ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithTransformID возвращает логгер с добавленным transform_id.
func WithTransformID(logger *slog.Logger, transformID string) *slog.Logger {
	return logger.With("transform_id", transformID)
}

// WithJobID возвращает логгер с добавленными job_id и kind.
func WithJobID(logger *slog.Logger, jobID, kind string) *slog.Logger {
	return logger.With("job_id", jobID, "kind", kind)
}
