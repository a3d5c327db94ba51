package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pharmadesk/go-medorder/internal/agents/extractor"
	"github.com/pharmadesk/go-medorder/internal/agents/policy"
	"github.com/pharmadesk/go-medorder/internal/agents/prescriptionscan"
	"github.com/pharmadesk/go-medorder/internal/agents/refill"
	"github.com/pharmadesk/go-medorder/internal/api/middleware"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
	"github.com/pharmadesk/go-medorder/internal/infrastructure/memstore"
	"github.com/pharmadesk/go-medorder/internal/orchestrator"
	"github.com/pharmadesk/go-medorder/internal/orderflow"
)

// scriptedClient replays canned model responses in order.
type scriptedClient struct {
	responses []map[string]any
}

func (c *scriptedClient) next() (map[string]any, error) {
	if len(c.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	res := c.responses[0]
	c.responses = c.responses[1:]
	return res, nil
}

func (c *scriptedClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return c.next()
}

func (c *scriptedClient) GenerateJSONWithImage(ctx context.Context, system, user, imageURL, schemaName string, schema map[string]any) (map[string]any, error) {
	return c.next()
}

func extraction(name string, qty int, confidence float64) map[string]any {
	return map[string]any{
		"entities": []any{map[string]any{
			"medicine_name": name,
			"quantity":      qty,
			"confidence":    confidence,
		}},
		"needs_clarification":   false,
		"clarification_message": "",
	}
}

const (
	customerKey = "key-customer"
	adminKey    = "key-admin"
)

type fixture struct {
	router http.Handler
	client *scriptedClient
	orders order.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat := memstore.NewCatalogStore(
		&catalog.Medicine{ID: "MED001", Name: "Paracetamol 500mg", StockLevel: 500, UnitPrice: 0.50},
		&catalog.Medicine{ID: "MED002", Name: "Ibuprofen 200mg", StockLevel: 300, UnitPrice: 1.20, MaxQuantityPerOrder: 60},
	)
	orders := memstore.NewOrderStore(cat)
	convs := memstore.NewConversationStore()
	client := &scriptedClient{}

	orch := orchestrator.New(orchestrator.Deps{
		Conversations: convs,
		Catalog:       cat,
		Orders:        orders,
		Extractor:     extractor.New(client, nil, nil),
		Policy:        policy.NewEngine(policy.DefaultConfig()),
		Prescriptions: prescriptionscan.New(client, nil, nil),
		Refills:       refill.NewPredictor(refill.DefaultConfig()),
		Builder:       orderflow.NewBuilder(orders, nil),
	})

	keys := map[string]middleware.Identity{
		customerKey: {UserID: "PAT001", Role: middleware.RoleCustomer},
		adminKey:    {UserID: "admin1", Role: middleware.RoleAdmin},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.APIKeyAuth(keys))
	r.Mount("/api/v1", APIRouter(
		NewChatHandler(orch, nil, nil),
		NewOrdersHandler(orders, convs, cat, refill.NewPredictor(refill.DefaultConfig()), nil),
		NewInventoryHandler(cat, nil),
	))

	return &fixture{router: r, client: client, orders: orders}
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestChatTurnReturnsPreviewWithPricing(t *testing.T) {
	f := newFixture(t)
	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}

	rec := f.do(t, http.MethodPost, "/api/v1/chat", customerKey, ChatRequest{
		PatientID: "PAT001",
		Message:   "I need 10 paracetamol",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Outcome != orchestrator.OutcomePreview {
		t.Fatalf("outcome = %s (%s)", resp.Outcome, resp.Response)
	}
	if resp.Pricing == nil {
		t.Fatal("expected a pricing block with the preview")
	}
	if resp.Pricing.Subtotal != 5.00 || resp.Pricing.Tax != 0.25 || resp.Pricing.DeliveryFee != 40.00 {
		t.Errorf("pricing = %+v", resp.Pricing)
	}
	if resp.Pricing.Total != 45.25 {
		t.Errorf("total = %v, want 45.25", resp.Pricing.Total)
	}
	if resp.Pricing.EstimatedDelivery != "Tomorrow by 9:00 PM" {
		t.Errorf("estimate = %q", resp.Pricing.EstimatedDelivery)
	}
}

func TestChatPickupPricing(t *testing.T) {
	f := newFixture(t)
	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}

	rec := f.do(t, http.MethodPost, "/api/v1/chat", customerKey, ChatRequest{
		PatientID:       "PAT001",
		Message:         "10 paracetamol for pickup",
		FulfillmentType: FulfillmentPickup,
	})

	var resp ChatResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Pricing == nil || resp.Pricing.DeliveryFee != 0 {
		t.Fatalf("pricing = %+v", resp.Pricing)
	}
	if resp.Pricing.Total != 5.25 {
		t.Errorf("total = %v, want 5.25", resp.Pricing.Total)
	}
	if resp.Pricing.EstimatedDelivery != "Ready for pickup in 2 hours" {
		t.Errorf("estimate = %q", resp.Pricing.EstimatedDelivery)
	}
}

func TestChatRequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chat", "", ChatRequest{PatientID: "PAT001", Message: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestChatForbiddenForOtherPatient(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chat", customerKey, ChatRequest{PatientID: "PAT999", Message: "hi"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAdminMayChatForAnyPatient(t *testing.T) {
	f := newFixture(t)
	f.client.responses = []map[string]any{extraction("paracetamol", 5, 0.95)}

	rec := f.do(t, http.MethodPost, "/api/v1/chat", adminKey, ChatRequest{PatientID: "PAT999", Message: "5 paracetamol"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRejectsBadBase64(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/prescription/upload", customerKey, UploadRequest{
		PatientID: "PAT001",
		ImageB64:  "not-base64!!!",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUploadWithoutPendingRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/prescription/upload", customerKey, UploadRequest{
		PatientID: "PAT001",
		ImageB64:  base64.StdEncoding.EncodeToString([]byte("image")),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp orchestrator.UploadResult
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Success {
		t.Error("upload with no pending request must not succeed")
	}
}

func placeOrder(t *testing.T, f *fixture) string {
	t.Helper()

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}
	f.do(t, http.MethodPost, "/api/v1/chat", customerKey, ChatRequest{PatientID: "PAT001", Message: "10 paracetamol"})
	rec := f.do(t, http.MethodPost, "/api/v1/chat", customerKey, ChatRequest{PatientID: "PAT001", Message: "confirm"})

	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Order == nil {
		t.Fatalf("no order placed: %s", resp.Response)
	}
	return resp.Order.ID
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	orderID := placeOrder(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/orders/"+orderID, customerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var o order.Order
	json.NewDecoder(rec.Body).Decode(&o)
	if o.ID != orderID || o.Status != order.StatusConfirmed {
		t.Errorf("order = %+v", o)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/orders/ORD-MISSING1", customerKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListOrdersByPatient(t *testing.T) {
	f := newFixture(t)
	orderID := placeOrder(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/orders?patient_id=PAT001", customerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Orders []*order.Order `json:"orders"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Orders) != 1 || resp.Orders[0].ID != orderID {
		t.Errorf("orders = %+v", resp.Orders)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/orders?patient_id=PAT999", customerKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestConversationMessages(t *testing.T) {
	f := newFixture(t)
	placeOrder(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/conversations/PAT001/messages", customerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Messages) != 4 {
		t.Errorf("messages = %d, want 2 turns of user + assistant", len(resp.Messages))
	}
}

func TestRefillAlertsForPatient(t *testing.T) {
	f := newFixture(t)
	placeOrder(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/patients/PAT001/refills", customerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Alerts []*refill.Alert `json:"alerts"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	// 10 units at one per day runs out inside the reminder horizon.
	if len(resp.Alerts) != 1 {
		t.Fatalf("alerts = %+v", resp.Alerts)
	}
	if resp.Alerts[0].MedicineID != "MED001" || resp.Alerts[0].Action != refill.ActionRemind {
		t.Errorf("alert = %+v", resp.Alerts[0])
	}
}

func TestInventoryAdminOnly(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/inventory/stats", customerKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("customer status = %d, want 403", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/inventory/stats", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d", rec.Code)
	}

	var stats catalog.Stats
	json.NewDecoder(rec.Body).Decode(&stats)
	if stats.TotalSKUs != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestInventorySearch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/inventory/search?q=ibu", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Medicines []*catalog.Medicine `json:"medicines"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Medicines) != 1 || resp.Medicines[0].ID != "MED002" {
		t.Errorf("medicines = %+v", resp.Medicines)
	}
}
