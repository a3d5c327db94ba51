package orderflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pharmadesk/go-medorder/internal/agents/policy"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
)

// fakeStore is an in-memory order.Store with scriptable stock levels.
type fakeStore struct {
	mu       sync.Mutex
	previews map[string]*order.Preview
	orders   map[string]*order.Order
	byPrev   map[string]*order.Order
	stock    map[string]int
}

func newFakeStore(stock map[string]int) *fakeStore {
	return &fakeStore{
		previews: make(map[string]*order.Preview),
		orders:   make(map[string]*order.Order),
		byPrev:   make(map[string]*order.Order),
		stock:    stock,
	}
}

func (s *fakeStore) SavePreview(ctx context.Context, p *order.Preview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[p.ID] = p
	return nil
}

func (s *fakeStore) GetPreview(ctx context.Context, id string) (*order.Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) Finalize(ctx context.Context, p *order.Preview, o *order.Order) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byPrev[p.ID]; ok {
		return existing, nil
	}

	var shortages []order.Shortage
	for _, item := range p.Items {
		if s.stock[item.MedicineID] < item.Quantity {
			shortages = append(shortages, order.Shortage{
				MedicineID: item.MedicineID,
				Requested:  item.Quantity,
				Available:  s.stock[item.MedicineID],
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &order.StockConflictError{Shortages: shortages}
	}

	for _, item := range p.Items {
		s.stock[item.MedicineID] -= item.Quantity
	}
	p.Consumed = true
	s.orders[o.ID] = o
	s.byPrev[p.ID] = o
	return o, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (s *fakeStore) ListByPatient(ctx context.Context, patientID string) ([]*order.Order, error) {
	return nil, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, to order.Status, agent, description string) error {
	return nil
}

func paracetamol() *catalog.Medicine {
	return &catalog.Medicine{ID: "MED001", Name: "Paracetamol 500mg", UnitPrice: 2.50, StockLevel: 100}
}

func metformin() *catalog.Medicine {
	return &catalog.Medicine{ID: "MED010", Name: "Metformin 500mg", UnitPrice: 5.00, PrescriptionRequired: true}
}

func TestBuildPreviewFreezesPrices(t *testing.T) {
	store := newFakeStore(map[string]int{"MED001": 100})
	b := NewBuilder(store, nil)

	p, err := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{{Medicine: paracetamol(), Quantity: 10}},
		&policy.Decision{Verdict: policy.VerdictApprove})
	if err != nil {
		t.Fatalf("BuildPreview failed: %v", err)
	}

	if len(p.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(p.Items))
	}
	if p.Items[0].UnitPrice != 2.50 || p.Items[0].TotalPrice != 25.0 {
		t.Errorf("item pricing = %+v", p.Items[0])
	}
	if p.TotalAmount != 25.0 {
		t.Errorf("total = %v, want 25.0", p.TotalAmount)
	}
	if _, err := store.GetPreview(context.Background(), p.ID); err != nil {
		t.Errorf("preview not persisted: %v", err)
	}
}

func TestBuildPreviewExcludesBlockedAndCaps(t *testing.T) {
	store := newFakeStore(map[string]int{"MED001": 100})
	b := NewBuilder(store, nil)

	decision := &policy.Decision{
		Verdict:              policy.VerdictConditional,
		BlockedItems:         []string{"MED010"},
		AllowedQuantities:    map[string]int{"MED001": 30},
		RequiresPrescription: true,
	}
	p, err := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{
			{Medicine: paracetamol(), Quantity: 90},
			{Medicine: metformin(), Quantity: 30},
		},
		decision)
	if err != nil {
		t.Fatalf("BuildPreview failed: %v", err)
	}

	if len(p.Items) != 1 {
		t.Fatalf("items = %d, want blocked item excluded", len(p.Items))
	}
	if p.Items[0].MedicineID != "MED001" || p.Items[0].Quantity != 30 {
		t.Errorf("item = %+v, want MED001 capped to 30", p.Items[0])
	}
	if !p.RequiresPrescription {
		t.Error("requires_prescription not carried onto preview")
	}
}

func TestBuildPreviewNothingOrderable(t *testing.T) {
	b := NewBuilder(newFakeStore(nil), nil)

	_, err := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{{Medicine: metformin(), Quantity: 30}},
		&policy.Decision{Verdict: policy.VerdictReject, BlockedItems: []string{"MED010"}})
	if !errors.Is(err, ErrNothingToOrder) {
		t.Errorf("err = %v, want ErrNothingToOrder", err)
	}
}

func TestFinalizeCreatesConfirmedOrder(t *testing.T) {
	store := newFakeStore(map[string]int{"MED001": 100})
	b := NewBuilder(store, nil)

	p, _ := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{{Medicine: paracetamol(), Quantity: 10}},
		&policy.Decision{Verdict: policy.VerdictApprove})

	res, err := b.Finalize(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if res.Order == nil || res.Reoffer != nil {
		t.Fatalf("result = %+v, want an order", res)
	}
	if res.Order.Status != order.StatusConfirmed {
		t.Errorf("status = %s, want CONFIRMED", res.Order.Status)
	}
	if res.Order.PreviewID != p.ID {
		t.Errorf("preview id = %s, want %s", res.Order.PreviewID, p.ID)
	}
	if store.stock["MED001"] != 90 {
		t.Errorf("stock = %d, want 90", store.stock["MED001"])
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	store := newFakeStore(map[string]int{"MED001": 100})
	b := NewBuilder(store, nil)

	p, _ := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{{Medicine: paracetamol(), Quantity: 10}},
		&policy.Decision{Verdict: policy.VerdictApprove})

	first, err := b.Finalize(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	second, err := b.Finalize(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("second Finalize failed: %v", err)
	}

	if first.Order.ID != second.Order.ID {
		t.Errorf("order ids differ: %s vs %s", first.Order.ID, second.Order.ID)
	}
	if store.stock["MED001"] != 90 {
		t.Errorf("stock decremented twice: %d", store.stock["MED001"])
	}
}

func TestFinalizeStockConflictReoffers(t *testing.T) {
	store := newFakeStore(map[string]int{"MED001": 100})
	b := NewBuilder(store, nil)

	p, _ := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{{Medicine: paracetamol(), Quantity: 50}},
		&policy.Decision{Verdict: policy.VerdictApprove})

	// Stock drains between preview and confirmation.
	store.stock["MED001"] = 20

	res, err := b.Finalize(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if res.Order != nil {
		t.Fatal("no order should be created on a stock conflict")
	}
	if res.Reoffer == nil {
		t.Fatal("expected a reduced preview")
	}
	if res.Reoffer.ID == p.ID {
		t.Error("reoffer must be a fresh preview")
	}
	if res.Reoffer.Items[0].Quantity != 20 {
		t.Errorf("reoffered quantity = %d, want 20", res.Reoffer.Items[0].Quantity)
	}
	if res.Reoffer.TotalAmount != 50.0 {
		t.Errorf("reoffered total = %v, want 50.0", res.Reoffer.TotalAmount)
	}
	if len(res.Shortages) != 1 {
		t.Errorf("shortages = %+v", res.Shortages)
	}

	// Confirming the re-offer succeeds at the reduced quantity.
	res2, err := b.Finalize(context.Background(), res.Reoffer.ID)
	if err != nil {
		t.Fatalf("finalizing reoffer failed: %v", err)
	}
	if res2.Order == nil {
		t.Fatal("expected an order from the reoffer")
	}
	if store.stock["MED001"] != 0 {
		t.Errorf("stock = %d, want 0", store.stock["MED001"])
	}
}

func TestFinalizeAllOutOfStock(t *testing.T) {
	store := newFakeStore(map[string]int{"MED001": 100})
	b := NewBuilder(store, nil)

	p, _ := b.BuildPreview(context.Background(), "PAT001", "Asha",
		[]Line{{Medicine: paracetamol(), Quantity: 10}},
		&policy.Decision{Verdict: policy.VerdictApprove})

	store.stock["MED001"] = 0

	res, err := b.Finalize(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if res.Order != nil || res.Reoffer != nil {
		t.Errorf("result = %+v, want shortages only", res)
	}
	if len(res.Shortages) != 1 || res.Shortages[0].Available != 0 {
		t.Errorf("shortages = %+v", res.Shortages)
	}
}

func TestFinalizeUnknownPreview(t *testing.T) {
	b := NewBuilder(newFakeStore(nil), nil)

	_, err := b.Finalize(context.Background(), "PREV-DEADBEEF")
	if !errors.Is(err, order.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
