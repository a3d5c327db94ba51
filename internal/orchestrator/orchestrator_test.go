package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pharmadesk/go-medorder/internal/agents/extractor"
	"github.com/pharmadesk/go-medorder/internal/agents/policy"
	"github.com/pharmadesk/go-medorder/internal/agents/prescriptionscan"
	"github.com/pharmadesk/go-medorder/internal/agents/refill"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
	"github.com/pharmadesk/go-medorder/internal/infrastructure/memstore"
	"github.com/pharmadesk/go-medorder/internal/orderflow"
)

// scriptedClient replays canned model responses in order.
type scriptedClient struct {
	responses []map[string]any
	errs      []error
}

func (c *scriptedClient) next() (map[string]any, error) {
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
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

func scan(doctor, date string, medicines ...string) map[string]any {
	meds := make([]any, len(medicines))
	for i, m := range medicines {
		meds[i] = m
	}
	return map[string]any{
		"doctor_name": doctor,
		"date":        date,
		"medicines":   meds,
		"readable":    true,
	}
}

type fixture struct {
	orch    *Orchestrator
	catalog *memstore.CatalogStore
	client  *scriptedClient
	convs   *memstore.ConversationStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat := memstore.NewCatalogStore(
		&catalog.Medicine{ID: "MED001", Name: "Paracetamol 500mg", StockLevel: 500, UnitPrice: 0.50},
		&catalog.Medicine{ID: "MED002", Name: "Ibuprofen 200mg", StockLevel: 300, UnitPrice: 1.20, MaxQuantityPerOrder: 60},
		&catalog.Medicine{ID: "MED010", Name: "Metformin 500mg", StockLevel: 200, UnitPrice: 5.00, PrescriptionRequired: true},
	)
	orders := memstore.NewOrderStore(cat)
	convs := memstore.NewConversationStore()
	client := &scriptedClient{}

	orch := New(Deps{
		Conversations: convs,
		Catalog:       cat,
		Orders:        orders,
		Extractor:     extractor.New(client, nil, nil),
		Policy:        policy.NewEngine(policy.DefaultConfig()),
		Prescriptions: prescriptionscan.New(client, nil, nil),
		Refills:       refill.NewPredictor(refill.DefaultConfig()),
		Builder:       orderflow.NewBuilder(orders, nil),
	})
	return &fixture{orch: orch, catalog: cat, client: client, convs: convs}
}

// Plain over-the-counter order: extract, approve, preview, confirm.
func TestChatFlowApproveAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}

	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "I need 10 paracetamol tablets")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomePreview {
		t.Fatalf("outcome = %s (%s), want PREVIEW", res.Outcome, res.Response)
	}
	if res.State != conversation.PhaseAwaitingConfirmation {
		t.Errorf("state = %s", res.State)
	}
	if res.Preview == nil || res.Preview.TotalAmount != 5.00 {
		t.Fatalf("preview = %+v, want total 5.00", res.Preview)
	}

	res, err = f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "confirm")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.Outcome != OutcomeConfirmed || res.Order == nil {
		t.Fatalf("outcome = %s, order = %v", res.Outcome, res.Order)
	}
	if res.Order.TotalAmount != 5.00 {
		t.Errorf("order total = %v", res.Order.TotalAmount)
	}

	med, _ := f.catalog.Get(ctx, "MED001")
	if med.StockLevel != 490 {
		t.Errorf("stock = %d, want 490", med.StockLevel)
	}
}

// Prescription-gated medicine with nothing on file suspends for an upload.
func TestChatFlowPrescriptionRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("metformin", 30, 0.9)}

	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "I want 30 Metformin")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomePendingPrescription {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Response)
	}
	if res.State != conversation.PhaseAwaitingPrescription {
		t.Errorf("state = %s", res.State)
	}
	if res.Preview != nil {
		t.Error("no preview may be created for a fully blocked order")
	}
	if !strings.Contains(res.Response, "prescription") {
		t.Errorf("response = %q", res.Response)
	}
}

// An upload missing its date is refused and the flow stays suspended; a
// good upload then unblocks the order into a preview.
func TestPrescriptionUploadRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("metformin", 30, 0.9)}
	if _, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "I want 30 Metformin"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	image := []byte("\x89PNG\r\n\x1a\nfake")

	f.client.responses = []map[string]any{scan("Dr. Rahman", "", "Metformin")}
	up, err := f.orch.HandlePrescriptionUpload(ctx, "user1", "PAT001", "MED010", image)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if up.Success {
		t.Fatal("dateless prescription must be refused")
	}
	if !strings.Contains(up.Message, "date") {
		t.Errorf("message = %q", up.Message)
	}

	recent := time.Now().UTC().AddDate(0, 0, -10).Format("2006-01-02")
	f.client.responses = []map[string]any{scan("Dr. Rahman", recent, "Metformin 500mg")}
	up, err = f.orch.HandlePrescriptionUpload(ctx, "user1", "PAT001", "MED010", image)
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if !up.Success {
		t.Fatalf("message = %q", up.Message)
	}
	if up.Preview == nil {
		t.Fatal("expected a preview once the prescription is on file")
	}
	if up.Preview.Items[0].MedicineID != "MED010" || up.Preview.Items[0].Quantity != 30 {
		t.Errorf("preview items = %+v", up.Preview.Items)
	}
}

// Requests over the per-medicine cap proceed at the allowed quantity.
func TestChatFlowQuantityCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("ibuprofen", 200, 0.92)}

	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "200 ibuprofen please")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomePreview {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Response)
	}
	if res.Preview.Items[0].Quantity != 60 {
		t.Errorf("quantity = %d, want capped to 60", res.Preview.Items[0].Quantity)
	}
	if res.Safety == nil || len(res.Safety.Reasons) == 0 {
		t.Error("expected a reason explaining the cap")
	}
}

func TestChatFlowCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}
	f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "10 paracetamol")

	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "cancel")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.State != conversation.PhaseAwaitingInput {
		t.Errorf("state = %s", res.State)
	}

	med, _ := f.catalog.Get(ctx, "MED001")
	if med.StockLevel != 500 {
		t.Errorf("stock = %d, cancel must not touch inventory", med.StockLevel)
	}
}

// A non-confirm message while a preview is pending discards it and starts a
// fresh order attempt.
func TestConfirmationPhaseOtherInputReextracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}
	first, _ := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "10 paracetamol")

	f.client.responses = []map[string]any{extraction("ibuprofen", 5, 0.9)}
	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "actually give me 5 ibuprofen")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomePreview {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Response)
	}
	if res.Preview.ID == first.Preview.ID {
		t.Error("pending preview must be replaced, not reused")
	}
	if res.Preview.Items[0].MedicineID != "MED002" {
		t.Errorf("preview items = %+v", res.Preview.Items)
	}
}

// A chat message while an upload is pending abandons the prescription flow.
func TestPrescriptionPhaseMessageAbandonsFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("metformin", 30, 0.9)}
	f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "30 metformin")

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}
	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "forget that, 10 paracetamol")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomePreview {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Response)
	}

	up, _ := f.orch.HandlePrescriptionUpload(ctx, "user1", "PAT001", "MED010", []byte("img"))
	if up.Success {
		t.Error("upload after abandoning the flow must be refused")
	}
}

// Model failures degrade to a clarification, never an error.
func TestExtractionFailureDegradesToClarification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.errs = []error{errors.New("model unavailable")}

	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "mumble")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomeClarify {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Response != extractor.FallbackClarification {
		t.Errorf("response = %q", res.Response)
	}
}

func TestUnknownMedicineAsksAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("obscurol", 10, 0.9)}

	res, err := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "10 obscurol")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomeClarify {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Response, "obscurol") {
		t.Errorf("response = %q", res.Response)
	}
}

// Confirmed totals are frozen: catalog price changes never alter an order.
func TestOrderTotalInvariantUnderPriceChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}
	f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "10 paracetamol")
	res, _ := f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "confirm")

	f.catalog.Put(&catalog.Medicine{ID: "MED001", Name: "Paracetamol 500mg", StockLevel: 490, UnitPrice: 9.99})

	if res.Order.TotalAmount != 5.00 {
		t.Errorf("total = %v, want frozen 5.00", res.Order.TotalAmount)
	}
	if res.Order.Items[0].UnitPrice != 0.50 {
		t.Errorf("unit price = %v, want frozen 0.50", res.Order.Items[0].UnitPrice)
	}
}

func TestConversationHistoryRecordsTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.responses = []map[string]any{extraction("paracetamol", 10, 0.95)}
	f.orch.HandleMessage(ctx, "user1", "PAT001", "Asha", "10 paracetamol")

	conv, _ := f.convs.GetOrCreate(ctx, "user1", "PAT001")
	history, err := f.convs.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want user + assistant", len(history))
	}
	if history[0].Sender != conversation.SenderUser || history[1].Sender != conversation.SenderAssistant {
		t.Errorf("senders = %s, %s", history[0].Sender, history[1].Sender)
	}
	if history[1].Type != conversation.MessageOrderSummary {
		t.Errorf("assistant message type = %s", history[1].Type)
	}
}
