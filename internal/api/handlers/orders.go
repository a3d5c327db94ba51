package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/agents/refill"
	"github.com/pharmadesk/go-medorder/internal/api/middleware"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
	"github.com/pharmadesk/go-medorder/internal/orchestrator"
)

// OrdersHandler serves order, conversation history, and refill endpoints.
type OrdersHandler struct {
	orders        order.Store
	conversations conversation.Store
	catalog       catalog.Store
	refills       *refill.Predictor
	logger        *zap.Logger
	now           func() time.Time
}

// NewOrdersHandler creates a new handler.
func NewOrdersHandler(orders order.Store, conversations conversation.Store, cat catalog.Store, refills *refill.Predictor, logger *zap.Logger) *OrdersHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrdersHandler{
		orders:        orders,
		conversations: conversations,
		catalog:       cat,
		refills:       refills,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Get handles GET /orders/{orderID}.
func (h *OrdersHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	o, err := h.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			jsonError(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("loading order failed", zap.String("order_id", orderID), zap.Error(err))
		jsonError(w, "failed to load order", http.StatusInternalServerError)
		return
	}

	identity, ok := middleware.GetIdentity(ctx)
	if !ok || !identity.CanAccessPatient(o.PatientID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// List handles GET /orders?patient_id=.
func (h *OrdersHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}

	identity, ok := middleware.GetIdentity(ctx)
	if !ok || !identity.CanAccessPatient(patientID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	orders, err := h.orders.ListByPatient(ctx, patientID)
	if err != nil {
		h.logger.Error("listing orders failed", zap.String("patient_id", patientID), zap.Error(err))
		jsonError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"orders":     orders,
	})
}

// Messages handles GET /conversations/{patientID}/messages.
func (h *OrdersHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	identity, ok := middleware.GetIdentity(ctx)
	if !ok || !identity.CanAccessPatient(patientID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	conv, err := h.conversations.GetOrCreate(ctx, identity.UserID, patientID)
	if err != nil {
		h.logger.Error("loading conversation failed", zap.String("patient_id", patientID), zap.Error(err))
		jsonError(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}

	msgs, err := h.conversations.History(ctx, conv.ID)
	if err != nil {
		h.logger.Error("loading history failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		jsonError(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ID,
		"patient_id":      patientID,
		"messages":        msgs,
	})
}

// Refills handles GET /patients/{patientID}/refills. Alerts are computed on
// demand from order history; each request supersedes prior predictions.
func (h *OrdersHandler) Refills(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	identity, ok := middleware.GetIdentity(ctx)
	if !ok || !identity.CanAccessPatient(patientID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	history, err := h.orders.ListByPatient(ctx, patientID)
	if err != nil {
		h.logger.Error("listing orders failed", zap.String("patient_id", patientID), zap.Error(err))
		jsonError(w, "failed to load order history", http.StatusInternalServerError)
		return
	}

	conv, err := h.conversations.GetOrCreate(ctx, identity.UserID, patientID)
	if err != nil {
		h.logger.Error("loading conversation failed", zap.String("patient_id", patientID), zap.Error(err))
		jsonError(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}

	now := h.now()
	alerts := []*refill.Alert{}
	for _, medID := range orderedMedicineIDs(history) {
		med, err := h.catalog.Get(ctx, medID)
		if err != nil {
			continue
		}
		hasRx := conv.Session.HasValidPrescription(med.ID, now, orchestrator.PrescriptionValidity)
		if alert := h.refills.Predict(patientID, med, history, hasRx, now); alert != nil {
			alerts = append(alerts, alert)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"alerts":     alerts,
	})
}

// orderedMedicineIDs returns the distinct medicine ids across a patient's
// non-terminal orders, newest first.
func orderedMedicineIDs(history []*order.Order) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, o := range history {
		if o.Status == order.StatusCancelled || o.Status == order.StatusBlocked {
			continue
		}
		for _, item := range o.Items {
			if !seen[item.MedicineID] {
				seen[item.MedicineID] = true
				ids = append(ids, item.MedicineID)
			}
		}
	}
	return ids
}
