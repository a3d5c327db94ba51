// Package catalog defines the medicine catalog entities and store contract.
package catalog

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound indicates no medicine matched the lookup.
var ErrNotFound = errors.New("medicine not found")

// Medicine is a catalog entry. Entries are never deleted, only flagged
// discontinued. Stock is mutated exclusively through DecrementIfAvailable.
type Medicine struct {
	ID                   string  `json:"medicine_id"`
	Name                 string  `json:"medicine_name"`
	Strength             string  `json:"strength"`
	Form                 string  `json:"form"`
	StockLevel           int     `json:"stock_level"`
	UnitPrice            float64 `json:"unit_price"`
	PrescriptionRequired bool    `json:"prescription_required"`
	Category             string  `json:"category"`
	Discontinued         bool    `json:"discontinued"`
	ControlledSubstance  bool    `json:"controlled_substance"`
	MaxQuantityPerOrder  int     `json:"max_quantity_per_order"`
	DailyDose            int     `json:"daily_dose,omitempty"`
}

// Availability is the result of an availability check.
type Availability struct {
	Available    bool `json:"available"`
	MaxAvailable int  `json:"max_available"`
}

// Stats summarizes the catalog for the admin inventory endpoint.
type Stats struct {
	TotalSKUs            int `json:"total_skus"`
	OutOfStock           int `json:"out_of_stock"`
	LowStock             int `json:"low_stock"`
	PrescriptionRequired int `json:"prescription_required"`
	Discontinued         int `json:"discontinued"`
}

// LowStockThreshold is the stock level at or below which a medicine counts
// as low stock in Stats.
const LowStockThreshold = 20

// Store is the catalog persistence contract.
type Store interface {
	// Get returns a medicine by exact id.
	Get(ctx context.Context, id string) (*Medicine, error)
	// FindByName returns the best name match: exact (case-insensitive)
	// first, then substring. Returns ErrNotFound if nothing matches.
	FindByName(ctx context.Context, name string) (*Medicine, error)
	// Search returns all medicines whose name contains the query,
	// case-insensitive.
	Search(ctx context.Context, query string) ([]*Medicine, error)
	// DecrementIfAvailable atomically decrements stock by qty if and only
	// if stock_level >= qty. Returns false when stock is insufficient;
	// stock is never driven negative.
	DecrementIfAvailable(ctx context.Context, id string, qty int) (bool, error)
	// Stats returns aggregate inventory statistics.
	Stats(ctx context.Context) (*Stats, error)
}

// Lookup resolves a medicine by id or name, preferring an exact id match.
func Lookup(ctx context.Context, store Store, nameOrID string) (*Medicine, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return nil, ErrNotFound
	}
	if med, err := store.Get(ctx, nameOrID); err == nil {
		return med, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return store.FindByName(ctx, nameOrID)
}

// CheckAvailability reports whether qty units can currently be dispensed.
// Discontinued medicines are never available regardless of stock.
func CheckAvailability(ctx context.Context, store Store, id string, qty int) (*Availability, error) {
	med, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if med.Discontinued {
		return &Availability{Available: false, MaxAvailable: 0}, nil
	}
	return &Availability{
		Available:    qty > 0 && med.StockLevel >= qty,
		MaxAvailable: med.StockLevel,
	}, nil
}

// DaysSupply returns how many days qty units last at the medicine's daily
// dose. The default assumption is one unit per day.
func (m *Medicine) DaysSupply(qty int) int {
	dose := m.DailyDose
	if dose <= 0 {
		dose = 1
	}
	return qty / dose
}
