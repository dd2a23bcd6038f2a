package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Transforms
	mux.Handle("GET /api/v1/transforms", chain(http.HandlerFunc(h.ListTransforms)))
	mux.Handle("POST /api/v1/transforms", chain(http.HandlerFunc(h.CreateTransform)))
	mux.Handle("GET /api/v1/transforms/{id}", chain(http.HandlerFunc(h.GetTransform)))
	mux.Handle("POST /api/v1/transforms/{id}/runs", chain(http.HandlerFunc(h.StartRun)))
	mux.Handle("POST /api/v1/transforms/{id}/units", chain(http.HandlerFunc(h.AddUnits)))

	// Stats
	mux.Handle("GET /api/v1/stats", chain(http.HandlerFunc(h.ListStats)))
	mux.Handle("GET /api/v1/transforms/{id}/stats", chain(http.HandlerFunc(h.GetStats)))

	// Ledger & reconciliation
	mux.Handle("GET /api/v1/pending", chain(http.HandlerFunc(h.ListPending)))
	mux.Handle("GET /api/v1/reconciliation-runs", chain(http.HandlerFunc(h.ListReconciliationRuns)))

	// Status events (websocket)
	mux.Handle("GET /api/v1/events", chain(http.HandlerFunc(h.StreamEvents)))
}
