package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/status"
)

// TransformStore — трансформации и их прогоны.
type TransformStore interface {
	ListTransforms(ctx context.Context) ([]domain.Transform, error)
	GetTransform(ctx context.Context, id uuid.UUID) (*domain.Transform, error)
	CreateTransform(ctx context.Context, t *domain.Transform) error
	StartRun(ctx context.Context, transformID uuid.UUID) (*domain.Transform, error)
}

// UnitStore — регистрация единиц работы.
type UnitStore interface {
	UpsertUnits(ctx context.Context, transformID uuid.UUID, units []domain.WorkUnit) error
}

// StatsStore — счётчики трансформаций.
type StatsStore interface {
	GetStats(ctx context.Context, transformID uuid.UUID) (*domain.TransformStats, error)
	ListStats(ctx context.Context) ([]domain.TransformStats, error)
}

// LedgerStore — чтение pending ledger.
type LedgerStore interface {
	ListPending(ctx context.Context, filter repo.PendingFilter) ([]domain.PendingBatch, error)
}

// RunStore — журнал прогонов reconciliation.
type RunStore interface {
	ListReconciliationRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ReconciliationRun, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	transforms TransformStore
	units      UnitStore
	stats      StatsStore
	ledger     LedgerStore
	runs       RunStore
	events     status.Source
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Transforms TransformStore
	Units      UnitStore
	Stats      StatsStore
	Ledger     LedgerStore
	Runs       RunStore

	// Events — источник status-событий для /api/v1/events (опционально).
	Events status.Source

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		transforms: cfg.Transforms,
		units:      cfg.Units,
		stats:      cfg.Stats,
		ledger:     cfg.Ledger,
		runs:       cfg.Runs,
		events:     cfg.Events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// pagination читает limit и offset из query.
func pagination(r *http.Request, defLimit int) (limit, offset int, ok bool) {
	limit = defLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return 0, 0, false
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// optionalUUID читает необязательный UUID из query.
func optionalUUID(r *http.Request, key string) (*uuid.UUID, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, false
	}
	return &id, true
}
