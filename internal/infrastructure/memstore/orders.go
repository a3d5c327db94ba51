package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pharmadesk/go-medorder/internal/domain/order"
)

// OrderStore is an in-memory order.Store backed by a CatalogStore for stock
// decrements.
type OrderStore struct {
	mu        sync.Mutex
	catalog   *CatalogStore
	previews  map[string]*order.Preview
	orders    map[string]*order.Order
	byPreview map[string]*order.Order
}

// NewOrderStore creates an order store that decrements stock in the given
// catalog store on finalize.
func NewOrderStore(catalog *CatalogStore) *OrderStore {
	return &OrderStore{
		catalog:   catalog,
		previews:  make(map[string]*order.Preview),
		orders:    make(map[string]*order.Order),
		byPreview: make(map[string]*order.Order),
	}
}

func (s *OrderStore) SavePreview(ctx context.Context, p *order.Preview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[p.ID] = p
	return nil
}

func (s *OrderStore) GetPreview(ctx context.Context, previewID string) (*order.Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[previewID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return p, nil
}

// Finalize decrements stock per item and records the order, atomically with
// respect to other finalizes. Duplicate calls for the same preview return
// the already-created order.
func (s *OrderStore) Finalize(ctx context.Context, p *order.Preview, o *order.Order) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byPreview[p.ID]; ok {
		return existing, nil
	}

	// Decrement item by item, rolling back on the first shortage so a
	// failed finalize leaves stock untouched.
	var applied []order.Item
	var shortages []order.Shortage
	for _, item := range p.Items {
		ok, err := s.catalog.DecrementIfAvailable(ctx, item.MedicineID, item.Quantity)
		if err != nil {
			s.rollback(applied)
			return nil, err
		}
		if !ok {
			med, gerr := s.catalog.Get(ctx, item.MedicineID)
			available := 0
			if gerr == nil {
				available = med.StockLevel
			}
			shortages = append(shortages, order.Shortage{
				MedicineID: item.MedicineID,
				Requested:  item.Quantity,
				Available:  available,
			})
			continue
		}
		applied = append(applied, item)
	}
	if len(shortages) > 0 {
		s.rollback(applied)
		return nil, &order.StockConflictError{Shortages: shortages}
	}

	p.Consumed = true
	s.orders[o.ID] = o
	s.byPreview[p.ID] = o
	return o, nil
}

func (s *OrderStore) rollback(applied []order.Item) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	for _, item := range applied {
		if med, ok := s.catalog.medicines[item.MedicineID]; ok {
			med.StockLevel += item.Quantity
		}
	}
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) ListByPatient(ctx context.Context, patientID string) ([]*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*order.Order
	for _, o := range s.orders {
		if o.PatientID == patientID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, to order.Status, agent, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	return o.SetStatus(to, agent, description)
}
