package api

import (
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ListPending возвращает записи pending ledger.
// GET /api/v1/pending?transform_id=...&status=...&limit=...&offset=...
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	filter := repo.PendingFilter{}

	transformID, ok := optionalUUID(r, "transform_id")
	if !ok {
		BadRequest(w, "invalid transform_id")
		return
	}
	filter.TransformID = transformID

	if s := r.URL.Query().Get("status"); s != "" {
		st := domain.PendingStatus(s)
		switch st {
		case domain.PendingStatusPending, domain.PendingStatusPublished,
			domain.PendingStatusFailed, domain.PendingStatusExpired:
			filter.Status = &st
		default:
			BadRequest(w, "invalid status")
			return
		}
	}

	filter.Limit, filter.Offset, ok = pagination(r, 50)
	if !ok {
		BadRequest(w, "invalid limit or offset")
		return
	}

	entries, err := h.ledger.ListPending(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]PendingResponse, len(entries))
	for i, e := range entries {
		result[i] = PendingFromDomain(e)
	}

	List(w, result, len(result))
}

// ListReconciliationRuns возвращает журнал прогонов reconciliation.
// GET /api/v1/reconciliation-runs?transform_id=...&limit=...&offset=...
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{}

	transformID, ok := optionalUUID(r, "transform_id")
	if !ok {
		BadRequest(w, "invalid transform_id")
		return
	}
	filter.TransformID = transformID

	filter.Limit, filter.Offset, ok = pagination(r, 20)
	if !ok {
		BadRequest(w, "invalid limit or offset")
		return
	}

	runs, err := h.runs.ListReconciliationRuns(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]ReconciliationRunResponse, len(runs))
	for i, run := range runs {
		result[i] = ReconciliationRunFromDomain(run)
	}

	List(w, result, len(result))
}
