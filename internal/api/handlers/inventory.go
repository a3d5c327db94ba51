package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/api/middleware"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
)

// InventoryHandler serves the admin inventory endpoints.
type InventoryHandler struct {
	catalog catalog.Store
	logger  *zap.Logger
}

// NewInventoryHandler creates a new handler.
func NewInventoryHandler(cat catalog.Store, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{catalog: cat, logger: logger}
}

// Routes returns the handler routes.
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/search", h.Search)
	r.Get("/stats", h.Stats)
	return r
}

// Search handles GET /inventory/search?q=.
func (h *InventoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !requireAdmin(w, r) {
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		jsonError(w, "q is required", http.StatusBadRequest)
		return
	}

	medicines, err := h.catalog.Search(ctx, query)
	if err != nil {
		h.logger.Error("inventory search failed", zap.String("query", query), zap.Error(err))
		jsonError(w, "search failed", http.StatusInternalServerError)
		return
	}
	if medicines == nil {
		medicines = []*catalog.Medicine{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":     query,
		"medicines": medicines,
	})
}

// Stats handles GET /inventory/stats.
func (h *InventoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !requireAdmin(w, r) {
		return
	}

	stats, err := h.catalog.Stats(ctx)
	if err != nil {
		h.logger.Error("inventory stats failed", zap.Error(err))
		jsonError(w, "stats failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok || identity.Role != middleware.RoleAdmin {
		jsonError(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}
