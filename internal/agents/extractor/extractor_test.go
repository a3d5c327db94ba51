package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
)

// fakeClient scripts llm.Client responses for tests.
type fakeClient struct {
	obj map[string]any
	err error
}

func (f *fakeClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return f.obj, f.err
}

func (f *fakeClient) GenerateJSONWithImage(ctx context.Context, system, user, imageURL, schemaName string, schema map[string]any) (map[string]any, error) {
	return f.obj, f.err
}

func entityObj(name string, qty int, confidence float64) map[string]any {
	return map[string]any{
		"medicine_name": name,
		"dosage":        "",
		"frequency":     "",
		"quantity":      qty,
		"confidence":    confidence,
	}
}

func TestExtractSingleEntity(t *testing.T) {
	client := &fakeClient{obj: map[string]any{
		"entities":              []any{entityObj("paracetamol", 10, 0.95)},
		"needs_clarification":   false,
		"clarification_message": "",
	}}
	e := New(client, nil, nil)

	res := e.Extract(context.Background(), "I need 10 paracetamol tablets", nil, nil)

	if res.NeedsClarification {
		t.Fatalf("unexpected clarification: %s", res.ClarificationMessage)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(res.Entities))
	}
	ent := res.Entities[0]
	if ent.MedicineName != "paracetamol" || ent.Quantity != 10 || !ent.HasQuantity {
		t.Errorf("entity = %+v", ent)
	}
}

func TestExtractAnaphoraResolvesAgainstPrior(t *testing.T) {
	// "make it 20": the model returns a quantity-only entity which must
	// update the most recently discussed line item.
	client := &fakeClient{obj: map[string]any{
		"entities":              []any{entityObj("", 20, 0)},
		"needs_clarification":   false,
		"clarification_message": "",
	}}
	e := New(client, nil, nil)

	prior := &conversation.EntityState{
		Entities: []conversation.ExtractedEntity{
			{MedicineName: "ibuprofen", Dosage: "200mg", Quantity: 10, HasQuantity: true, Confidence: 0.9},
		},
		UpdatedAt: time.Now(),
	}

	res := e.Extract(context.Background(), "make it 20", prior, nil)

	if res.NeedsClarification {
		t.Fatalf("unexpected clarification: %s", res.ClarificationMessage)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(res.Entities))
	}
	ent := res.Entities[0]
	if ent.MedicineName != "ibuprofen" || ent.Quantity != 20 || ent.Dosage != "200mg" {
		t.Errorf("entity = %+v", ent)
	}
}

func TestExtractMissingQuantityAsksForIt(t *testing.T) {
	client := &fakeClient{obj: map[string]any{
		"entities":              []any{entityObj("amoxicillin", -1, 0.9)},
		"needs_clarification":   false,
		"clarification_message": "",
	}}
	e := New(client, nil, nil)

	res := e.Extract(context.Background(), "I want amoxicillin", nil, nil)

	if !res.NeedsClarification {
		t.Fatal("expected clarification for missing quantity")
	}
	if res.ClarificationMessage == "" {
		t.Error("expected a clarification message")
	}
	// The entity is still retained for the next turn's anaphora.
	if len(res.Entities) != 1 || res.Entities[0].HasQuantity {
		t.Errorf("entities = %+v", res.Entities)
	}
}

func TestExtractLowConfidenceAsksToConfirm(t *testing.T) {
	client := &fakeClient{obj: map[string]any{
		"entities":              []any{entityObj("paracetamol", 10, 0.3)},
		"needs_clarification":   false,
		"clarification_message": "",
	}}
	e := New(client, nil, nil)

	res := e.Extract(context.Background(), "ten paraseetamole", nil, nil)

	if !res.NeedsClarification {
		t.Fatal("expected clarification for low confidence")
	}
}

func TestExtractModelClarificationPassesThrough(t *testing.T) {
	client := &fakeClient{obj: map[string]any{
		"entities":              []any{},
		"needs_clarification":   true,
		"clarification_message": "Which strength of ibuprofen do you need?",
	}}
	e := New(client, nil, nil)

	res := e.Extract(context.Background(), "some ibuprofen", nil, nil)

	if !res.NeedsClarification {
		t.Fatal("expected clarification")
	}
	if res.ClarificationMessage != "Which strength of ibuprofen do you need?" {
		t.Errorf("message = %q", res.ClarificationMessage)
	}
}

func TestExtractFailureFallsBackToClarification(t *testing.T) {
	client := &fakeClient{err: errors.New("upstream timeout")}
	e := New(client, nil, nil)

	res := e.Extract(context.Background(), "I need 10 paracetamol", nil, nil)

	if !res.NeedsClarification {
		t.Fatal("expected clarification fallback on model failure")
	}
	if res.ClarificationMessage != FallbackClarification {
		t.Errorf("message = %q", res.ClarificationMessage)
	}
}

func TestExtractEmptyEntitiesAsksForMedicine(t *testing.T) {
	client := &fakeClient{obj: map[string]any{
		"entities":              []any{},
		"needs_clarification":   false,
		"clarification_message": "",
	}}
	e := New(client, nil, nil)

	res := e.Extract(context.Background(), "hello there", nil, nil)

	if !res.NeedsClarification {
		t.Fatal("expected clarification when nothing was extracted")
	}
}
