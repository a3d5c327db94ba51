// Package order implements the order aggregate, its status machine, and the
// order store contract.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents order status along the fulfillment path.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusValidated  Status = "VALIDATED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusBlocked    Status = "BLOCKED"
	StatusCancelled  Status = "CANCELLED"
)

// ErrNotFound indicates the order or preview does not exist.
var ErrNotFound = errors.New("order not found")

// ErrInvalidTransition indicates a status change that violates the
// forward-only fulfillment path.
var ErrInvalidTransition = errors.New("invalid status transition")

// fulfillmentRank orders the forward path. Terminal states carry no rank.
var fulfillmentRank = map[Status]int{
	StatusPending:    1,
	StatusValidated:  2,
	StatusConfirmed:  3,
	StatusProcessing: 4,
	StatusShipped:    5,
	StatusDelivered:  6,
}

// CanTransition reports whether from → to is a legal status change.
// Transitions are monotonic forward; BLOCKED and CANCELLED are terminal and
// reachable only from PENDING or VALIDATED.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from == StatusBlocked || from == StatusCancelled {
		return false
	}
	if to == StatusBlocked || to == StatusCancelled {
		return from == StatusPending || from == StatusValidated
	}
	fromRank, ok := fulfillmentRank[from]
	if !ok {
		return false
	}
	toRank, ok := fulfillmentRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Item is one order line with the unit price frozen at confirmation time.
type Item struct {
	MedicineID   string  `json:"medicine_id"`
	MedicineName string  `json:"medicine_name"`
	Strength     string  `json:"strength,omitempty"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	TotalPrice   float64 `json:"total_price"`
}

// TimelineEvent is one entry in an order's append-only timeline.
type TimelineEvent struct {
	Action      string    `json:"action"`
	Agent       string    `json:"agent"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Order is a confirmed, persisted order. Items and total are invariant under
// later catalog price changes.
type Order struct {
	ID          string          `json:"order_id"`
	PreviewID   string          `json:"preview_id,omitempty"`
	PatientID   string          `json:"patient_id"`
	PatientName string          `json:"patient_name,omitempty"`
	Items       []Item          `json:"items"`
	TotalAmount float64         `json:"total_amount"`
	Status      Status          `json:"status"`
	Timeline    []TimelineEvent `json:"timeline"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SetStatus applies a guarded status transition and records it on the
// timeline.
func (o *Order) SetStatus(to Status, agent, description string) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	o.Timeline = append(o.Timeline, TimelineEvent{
		Action:      "status_" + strings.ToLower(string(to)),
		Agent:       agent,
		Description: description,
		Timestamp:   o.UpdatedAt,
	})
	return nil
}

// Preview is a non-committing priced proposal held for user confirmation.
// Building a preview never mutates inventory or creates an order.
type Preview struct {
	ID                   string    `json:"preview_id"`
	PatientID            string    `json:"patient_id"`
	PatientName          string    `json:"patient_name,omitempty"`
	Items                []Item    `json:"items"`
	TotalAmount          float64   `json:"total_amount"`
	SafetyDecision       string    `json:"safety_decision"`
	SafetyReasons        []string  `json:"safety_reasons,omitempty"`
	RequiresPrescription bool      `json:"requires_prescription"`
	Consumed             bool      `json:"consumed"`
	CreatedAt            time.Time `json:"created_at"`
}

// Shortage describes an item that could not be fulfilled at finalize time.
type Shortage struct {
	MedicineID string
	Requested  int
	Available  int
}

// StockConflictError reports items whose stock ran out between preview and
// finalize. The finalize is aborted with no side effects.
type StockConflictError struct {
	Shortages []Shortage
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for %d item(s)", len(e.Shortages))
}

// NewOrderID returns a human-facing order id of the form ORD-XXXXXXXX.
func NewOrderID() string {
	return "ORD-" + shortHex()
}

// NewPreviewID returns a preview id of the form PREV-XXXXXXXX.
func NewPreviewID() string {
	return "PREV-" + shortHex()
}

func shortHex() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// Store is the order persistence contract.
type Store interface {
	// SavePreview persists a preview for later finalize or discard.
	SavePreview(ctx context.Context, p *Preview) error
	// GetPreview returns a preview by id, consumed or not.
	GetPreview(ctx context.Context, previewID string) (*Preview, error)
	// Finalize atomically decrements inventory per item, persists the
	// order, and marks the preview consumed. It is idempotent on the
	// preview id: a second call returns the already-created order and
	// decrements nothing. Returns *StockConflictError when any item's
	// stock is insufficient, leaving no side effects.
	Finalize(ctx context.Context, p *Preview, o *Order) (*Order, error)
	// Get returns an order by id.
	Get(ctx context.Context, orderID string) (*Order, error)
	// ListByPatient returns a patient's orders, newest first.
	ListByPatient(ctx context.Context, patientID string) ([]*Order, error)
	// UpdateStatus applies a guarded status transition and persists it.
	UpdateStatus(ctx context.Context, orderID string, to Status, agent, description string) error
}
