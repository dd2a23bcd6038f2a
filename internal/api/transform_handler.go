package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// maxUnitsPerRequest — верхняя граница единиц в одном запросе.
const maxUnitsPerRequest = 10000

// ListTransforms возвращает список трансформаций.
// GET /api/v1/transforms
func (h *Handler) ListTransforms(w http.ResponseWriter, r *http.Request) {
	transforms, err := h.transforms.ListTransforms(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]TransformResponse, len(transforms))
	for i, t := range transforms {
		result[i] = TransformFromDomain(t)
	}

	List(w, result, len(result))
}

// CreateTransform создаёт трансформацию и её первый прогон.
// POST /api/v1/transforms
func (h *Handler) CreateTransform(w http.ResponseWriter, r *http.Request) {
	var req CreateTransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.OwnerID == "" || req.ResourceID == "" {
		BadRequest(w, "owner_id and resource_id are required")
		return
	}
	kind, err := domain.ParseJobKind(req.Kind)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	t := &domain.Transform{
		ID:         uuid.New(),
		OwnerID:    req.OwnerID,
		ResourceID: req.ResourceID,
		Kind:       kind,
		Enabled:    enabled,
		Config:     req.Config,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.transforms.CreateTransform(r.Context(), t); HandleRepoError(w, h.logger, err, "") {
		return
	}

	started, err := h.transforms.StartRun(r.Context(), t.ID)
	if HandleRepoError(w, h.logger, err, "transform not found") {
		return
	}

	telemetry.WithTransformID(h.logger, t.ID.String()).Info("transform created",
		"kind", kind,
		"owner_id", t.OwnerID,
		"run_id", started.CurrentRunID,
	)

	Created(w, TransformFromDomain(*started))
}

// GetTransform возвращает трансформацию.
// GET /api/v1/transforms/{id}
func (h *Handler) GetTransform(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid transform id")
		return
	}

	t, err := h.transforms.GetTransform(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "transform not found") {
		return
	}

	Success(w, TransformFromDomain(*t))
}

// StartRun начинает новый прогон трансформации.
// Счётчики сбрасываются, все единицы снова становятся кандидатами.
// POST /api/v1/transforms/{id}/runs
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid transform id")
		return
	}

	t, err := h.transforms.StartRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "transform not found") {
		return
	}

	telemetry.WithTransformID(h.logger, id.String()).Info("transform run started", "run_id", t.CurrentRunID)
	Created(w, TransformFromDomain(*t))
}

// AddUnits регистрирует единицы работы трансформации.
// POST /api/v1/transforms/{id}/units
func (h *Handler) AddUnits(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid transform id")
		return
	}

	var req AddUnitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Units) == 0 {
		BadRequest(w, "units are required")
		return
	}
	if len(req.Units) > maxUnitsPerRequest {
		BadRequest(w, "too many units in one request")
		return
	}

	if _, err := h.transforms.GetTransform(r.Context(), id); HandleRepoError(w, h.logger, err, "transform not found") {
		return
	}

	units := make([]domain.WorkUnit, len(req.Units))
	for i, u := range req.Units {
		if u.Key == "" {
			BadRequest(w, "unit key is required")
			return
		}
		units[i] = domain.WorkUnit{TransformID: id, Key: u.Key, Attributes: u.Attributes}
	}

	if err := h.units.UpsertUnits(r.Context(), id, units); HandleRepoError(w, h.logger, err, "transform not found") {
		return
	}

	Accepted(w, AddUnitsResponse{TransformID: id, Accepted: len(units)})
}

// GetStats возвращает счётчики текущего прогона.
// GET /api/v1/transforms/{id}/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid transform id")
		return
	}

	st, err := h.stats.GetStats(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "stats not found") {
		return
	}

	Success(w, StatsFromDomain(*st))
}

// ListStats возвращает счётчики всех трансформаций.
// GET /api/v1/stats
func (h *Handler) ListStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.ListStats(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]StatsResponse, len(stats))
	for i, st := range stats {
		result[i] = StatsFromDomain(st)
	}

	List(w, result, len(result))
}
