package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
)

// CatalogStore implements catalog.Store on PostgreSQL.
type CatalogStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewCatalogStore creates a catalog store.
func NewCatalogStore(pool *pgxpool.Pool, logger *zap.Logger) *CatalogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogStore{pool: pool, logger: logger}
}

const medicineColumns = `
	id, name, strength, form, stock_level, unit_price,
	prescription_required, category, discontinued,
	controlled_substance, max_quantity_per_order, daily_dose
`

func scanMedicine(row pgx.Row) (*catalog.Medicine, error) {
	m := &catalog.Medicine{}
	err := row.Scan(
		&m.ID, &m.Name, &m.Strength, &m.Form, &m.StockLevel, &m.UnitPrice,
		&m.PrescriptionRequired, &m.Category, &m.Discontinued,
		&m.ControlledSubstance, &m.MaxQuantityPerOrder, &m.DailyDose,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan medicine: %w", err)
	}
	return m, nil
}

func (s *CatalogStore) Get(ctx context.Context, id string) (*catalog.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE id = $1`
	return scanMedicine(s.pool.QueryRow(ctx, query, id))
}

func (s *CatalogStore) FindByName(ctx context.Context, name string) (*catalog.Medicine, error) {
	// Exact case-insensitive match first, then the shortest substring match
	// so "ibuprofen" prefers "Ibuprofen 200mg" over longer combinations.
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE LOWER(name) = LOWER($1)`
	m, err := scanMedicine(s.pool.QueryRow(ctx, query, name))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	query = `
		SELECT ` + medicineColumns + `
		FROM medicines
		WHERE name ILIKE '%' || $1 || '%'
		ORDER BY LENGTH(name) ASC
		LIMIT 1
	`
	return scanMedicine(s.pool.QueryRow(ctx, query, name))
}

func (s *CatalogStore) Search(ctx context.Context, q string) ([]*catalog.Medicine, error) {
	query := `
		SELECT ` + medicineColumns + `
		FROM medicines
		WHERE name ILIKE '%' || $1 || '%' OR category ILIKE '%' || $1 || '%'
		ORDER BY name ASC
	`
	rows, err := s.pool.Query(ctx, query, q)
	if err != nil {
		return nil, fmt.Errorf("search medicines: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DecrementIfAvailable relies on a single conditional UPDATE so concurrent
// decrements can never drive stock negative.
func (s *CatalogStore) DecrementIfAvailable(ctx context.Context, id string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE medicines
		SET stock_level = stock_level - $2, updated_at = NOW()
		WHERE id = $1 AND stock_level >= $2
	`, id, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *CatalogStore) Stats(ctx context.Context) (*catalog.Stats, error) {
	stats := &catalog.Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE stock_level = 0),
		       COUNT(*) FILTER (WHERE stock_level > 0 AND stock_level <= $1),
		       COUNT(*) FILTER (WHERE prescription_required OR controlled_substance),
		       COUNT(*) FILTER (WHERE discontinued)
		FROM medicines
	`, catalog.LowStockThreshold).Scan(
		&stats.TotalSKUs, &stats.OutOfStock, &stats.LowStock,
		&stats.PrescriptionRequired, &stats.Discontinued,
	)
	if err != nil {
		return nil, fmt.Errorf("inventory stats: %w", err)
	}
	return stats, nil
}
