package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/domain/order"
)

// OrderStore implements order.Store on PostgreSQL. Finalize runs as a single
// transaction: preview consumption doubles as the idempotency claim, stock
// decrements are conditional updates, and the confirmation event is written
// to the outbox in the same transaction.
type OrderStore struct {
	pool           *pgxpool.Pool
	confirmedTopic string
	logger         *zap.Logger
}

// NewOrderStore creates an order store that emits order-confirmed events to
// the given topic through the outbox.
func NewOrderStore(pool *pgxpool.Pool, confirmedTopic string, logger *zap.Logger) *OrderStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderStore{pool: pool, confirmedTopic: confirmedTopic, logger: logger}
}

func (s *OrderStore) SavePreview(ctx context.Context, p *order.Preview) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return fmt.Errorf("marshal preview items: %w", err)
	}
	reasons, err := json.Marshal(p.SafetyReasons)
	if err != nil {
		return fmt.Errorf("marshal safety reasons: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO order_previews
			(id, patient_id, patient_name, items, total_amount,
			 safety_decision, safety_reasons, requires_prescription, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
	`, p.ID, p.PatientID, p.PatientName, items, p.TotalAmount,
		p.SafetyDecision, reasons, p.RequiresPrescription, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}

func (s *OrderStore) GetPreview(ctx context.Context, previewID string) (*order.Preview, error) {
	p := &order.Preview{}
	var items, reasons []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, patient_id, patient_name, items, total_amount,
		       safety_decision, safety_reasons, requires_prescription, consumed, created_at
		FROM order_previews
		WHERE id = $1
	`, previewID).Scan(&p.ID, &p.PatientID, &p.PatientName, &items, &p.TotalAmount,
		&p.SafetyDecision, &reasons, &p.RequiresPrescription, &p.Consumed, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preview: %w", err)
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, fmt.Errorf("unmarshal preview items: %w", err)
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &p.SafetyReasons); err != nil {
			return nil, fmt.Errorf("unmarshal safety reasons: %w", err)
		}
	}
	return p, nil
}

// Finalize atomically consumes the preview, decrements stock per item,
// persists the order, and writes the outbox entry. A preview already
// consumed returns the order it produced.
func (s *OrderStore) Finalize(ctx context.Context, p *order.Preview, o *order.Order) (*order.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Consuming the preview is the idempotency claim: exactly one
	// transaction can flip it.
	tag, err := tx.Exec(ctx, `
		UPDATE order_previews SET consumed = TRUE
		WHERE id = $1 AND NOT consumed
	`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("consume preview: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.orderByPreview(ctx, p.ID)
	}

	var shortages []order.Shortage
	for _, item := range p.Items {
		tag, err := tx.Exec(ctx, `
			UPDATE medicines
			SET stock_level = stock_level - $2, updated_at = NOW()
			WHERE id = $1 AND stock_level >= $2
		`, item.MedicineID, item.Quantity)
		if err != nil {
			return nil, fmt.Errorf("decrement stock for %s: %w", item.MedicineID, err)
		}
		if tag.RowsAffected() == 0 {
			var available int
			if serr := tx.QueryRow(ctx,
				`SELECT stock_level FROM medicines WHERE id = $1`,
				item.MedicineID).Scan(&available); serr != nil {
				available = 0
			}
			shortages = append(shortages, order.Shortage{
				MedicineID: item.MedicineID,
				Requested:  item.Quantity,
				Available:  available,
			})
		}
	}
	if len(shortages) > 0 {
		// Rollback releases the preview claim and all decrements.
		return nil, &order.StockConflictError{Shortages: shortages}
	}

	if err := s.insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal order event: %w", err)
	}
	err = WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   o.ID,
		AggregateType: "order",
		EventType:     "order.confirmed",
		Payload:       payload,
		KafkaTopic:    s.confirmedTopic,
		KafkaKey:      o.PatientID,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("order finalized",
		zap.String("order_id", o.ID),
		zap.String("preview_id", p.ID))
	return o, nil
}

func (s *OrderStore) insertOrder(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}
	timeline, err := json.Marshal(o.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders
			(id, preview_id, patient_id, patient_name, items, total_amount,
			 status, timeline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, o.ID, o.PreviewID, o.PatientID, o.PatientName, items, o.TotalAmount,
		o.Status, timeline, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *OrderStore) orderByPreview(ctx context.Context, previewID string) (*order.Order, error) {
	o, err := s.scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE preview_id = $1`, previewID))
	if err != nil {
		return nil, fmt.Errorf("load order for consumed preview %s: %w", previewID, err)
	}
	return o, nil
}

const orderSelect = `
	SELECT id, preview_id, patient_id, patient_name, items, total_amount,
	       status, timeline, created_at, updated_at
	FROM orders
`

func (s *OrderStore) scanOrder(row pgx.Row) (*order.Order, error) {
	o := &order.Order{}
	var items, timeline []byte
	err := row.Scan(&o.ID, &o.PreviewID, &o.PatientID, &o.PatientName,
		&items, &o.TotalAmount, &o.Status, &timeline, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &o.Timeline); err != nil {
			return nil, fmt.Errorf("unmarshal timeline: %w", err)
		}
	}
	return o, nil
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (*order.Order, error) {
	return s.scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, orderID))
}

func (s *OrderStore) ListByPatient(ctx context.Context, patientID string) ([]*order.Order, error) {
	rows, err := s.pool.Query(ctx, orderSelect+` WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		o, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListActivePatients returns the distinct patient ids with at least one
// order. The refill sweeper iterates this set.
func (s *OrderStore) ListActivePatients(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT patient_id FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateStatus applies a guarded transition inside a transaction so the
// guard evaluates against the currently persisted status.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, to order.Status, agent, description string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.scanOrder(tx.QueryRow(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return err
	}
	if err := o.SetStatus(to, agent, description); err != nil {
		return err
	}

	timeline, err := json.Marshal(o.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders SET status = $2, timeline = $3, updated_at = $4 WHERE id = $1
	`, orderID, o.Status, timeline, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	return tx.Commit(ctx)
}
