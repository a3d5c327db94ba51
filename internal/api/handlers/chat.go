// Package handlers provides HTTP handlers for the chat API.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/api/middleware"
	"github.com/pharmadesk/go-medorder/internal/observability/metrics"
	"github.com/pharmadesk/go-medorder/internal/orchestrator"
)

// ChatHandler handles the conversational ordering endpoints.
type ChatHandler struct {
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewChatHandler creates a new handler.
func NewChatHandler(orch *orchestrator.Orchestrator, m *metrics.Metrics, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{orch: orch, metrics: m, logger: logger}
}

// ChatRequest is the request body for a chat turn.
type ChatRequest struct {
	PatientID       string `json:"patient_id"`
	PatientName     string `json:"patient_name,omitempty"`
	Message         string `json:"message"`
	SessionID       string `json:"session_id,omitempty"`
	FulfillmentType string `json:"fulfillment_type,omitempty"`
}

// ChatResponse is the response for a chat turn. Pricing is presentation only;
// the stored order total never includes tax or delivery.
type ChatResponse struct {
	*orchestrator.TurnResult
	SessionID string   `json:"session_id,omitempty"`
	Pricing   *Pricing `json:"pricing,omitempty"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chat-handler")
	ctx, span := tracer.Start(ctx, "chat_turn")
	defer span.End()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !identity.CanAccessPatient(req.PatientID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}
	span.SetAttributes(attribute.String("patient_id", req.PatientID))

	result, err := h.orch.HandleMessage(ctx, identity.UserID, req.PatientID, req.PatientName, req.Message)
	if err != nil {
		h.logger.Error("chat turn failed",
			zap.String("patient_id", req.PatientID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "failed to process message", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.ChatTurns.WithLabelValues(string(result.Outcome)).Inc()
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	resp := ChatResponse{TurnResult: result, SessionID: req.SessionID}
	switch {
	case result.Order != nil:
		resp.Pricing = PriceQuote(result.Order.TotalAmount, req.FulfillmentType)
	case result.Preview != nil:
		resp.Pricing = PriceQuote(result.Preview.TotalAmount, req.FulfillmentType)
	}

	writeJSON(w, http.StatusOK, resp)
}

// UploadRequest is the request body for a prescription upload.
type UploadRequest struct {
	PatientID  string `json:"patient_id"`
	SessionID  string `json:"session_id,omitempty"`
	MedicineID string `json:"medicine_id,omitempty"`
	ImageB64   string `json:"image_b64"`
}

// Upload handles POST /prescription/upload.
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chat-handler")
	ctx, span := tracer.Start(ctx, "prescription_upload")
	defer span.End()

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	if req.ImageB64 == "" {
		jsonError(w, "image_b64 is required", http.StatusBadRequest)
		return
	}

	image, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		jsonError(w, "image_b64 is not valid base64", http.StatusBadRequest)
		return
	}

	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !identity.CanAccessPatient(req.PatientID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}
	span.SetAttributes(attribute.String("patient_id", req.PatientID))

	result, err := h.orch.HandlePrescriptionUpload(ctx, identity.UserID, req.PatientID, req.MedicineID, image)
	if err != nil {
		h.logger.Error("prescription upload failed",
			zap.String("patient_id", req.PatientID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "failed to process upload", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		label := "rejected"
		if result.Success {
			label = "accepted"
		}
		h.metrics.PrescriptionUploads.WithLabelValues(label).Inc()
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
