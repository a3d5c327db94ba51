// Package orderflow turns safety-checked medicine lines into order previews
// and finalizes previews into confirmed orders.
package orderflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/agents/policy"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
)

// ErrNothingToOrder is returned when every requested line was excluded by
// the safety decision.
var ErrNothingToOrder = errors.New("no orderable items after safety checks")

// Line is one resolved request line entering preview construction.
type Line struct {
	Medicine *catalog.Medicine
	Quantity int
}

// Builder constructs previews and finalizes them. It never prices delivery
// or tax; those are presentation concerns of the API layer.
type Builder struct {
	orders order.Store
	logger *zap.Logger
}

// NewBuilder creates a builder.
func NewBuilder(orders order.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{orders: orders, logger: logger}
}

// BuildPreview applies the safety decision to the requested lines and
// persists the resulting preview. Blocked items are excluded, capped items
// proceed at the allowed quantity, and unit prices are frozen from the
// catalog at build time.
func (b *Builder) BuildPreview(ctx context.Context, patientID, patientName string, lines []Line, decision *policy.Decision) (*order.Preview, error) {
	p := &order.Preview{
		ID:                   order.NewPreviewID(),
		PatientID:            patientID,
		PatientName:          patientName,
		SafetyDecision:       string(decision.Verdict),
		SafetyReasons:        decision.Reasons,
		RequiresPrescription: decision.RequiresPrescription,
		CreatedAt:            time.Now().UTC(),
	}

	for _, line := range lines {
		med := line.Medicine
		if decision.IsBlocked(med.ID) {
			continue
		}
		qty := line.Quantity
		if allowed, ok := decision.AllowedQuantity(med.ID); ok && allowed < qty {
			qty = allowed
		}
		if qty <= 0 {
			continue
		}
		item := order.Item{
			MedicineID:   med.ID,
			MedicineName: med.Name,
			Strength:     med.Strength,
			Quantity:     qty,
			UnitPrice:    med.UnitPrice,
			TotalPrice:   med.UnitPrice * float64(qty),
		}
		p.Items = append(p.Items, item)
		p.TotalAmount += item.TotalPrice
	}

	if len(p.Items) == 0 {
		return nil, ErrNothingToOrder
	}

	if err := b.orders.SavePreview(ctx, p); err != nil {
		return nil, fmt.Errorf("saving preview: %w", err)
	}

	b.logger.Info("preview built",
		zap.String("preview_id", p.ID),
		zap.String("patient_id", patientID),
		zap.Int("items", len(p.Items)),
		zap.Float64("total", p.TotalAmount))
	return p, nil
}

// FinalizeResult is the outcome of a finalize attempt. Exactly one of Order
// and Reoffer is set on success paths; Shortages accompanies a Reoffer, or
// stands alone when nothing could be fulfilled at all.
type FinalizeResult struct {
	Order     *order.Order
	Reoffer   *order.Preview
	Shortages []order.Shortage
}

// Finalize converts a preview into a confirmed order. Repeated calls for the
// same preview return the already-created order. When stock ran out between
// preview and confirmation, no order is created; instead a fresh reduced
// preview is returned for the patient to confirm again.
func (b *Builder) Finalize(ctx context.Context, previewID string) (*FinalizeResult, error) {
	p, err := b.orders.GetPreview(ctx, previewID)
	if err != nil {
		return nil, fmt.Errorf("loading preview %s: %w", previewID, err)
	}

	o := orderFromPreview(p)

	created, err := b.orders.Finalize(ctx, p, o)
	if err != nil {
		var conflict *order.StockConflictError
		if errors.As(err, &conflict) {
			return b.reoffer(ctx, p, conflict.Shortages)
		}
		return nil, fmt.Errorf("finalizing preview %s: %w", previewID, err)
	}

	b.logger.Info("order finalized",
		zap.String("order_id", created.ID),
		zap.String("preview_id", previewID),
		zap.String("patient_id", created.PatientID))
	return &FinalizeResult{Order: created}, nil
}

// reoffer builds a replacement preview reduced to what stock still allows.
func (b *Builder) reoffer(ctx context.Context, p *order.Preview, shortages []order.Shortage) (*FinalizeResult, error) {
	available := make(map[string]int, len(shortages))
	for _, s := range shortages {
		available[s.MedicineID] = s.Available
	}

	next := &order.Preview{
		ID:                   order.NewPreviewID(),
		PatientID:            p.PatientID,
		PatientName:          p.PatientName,
		SafetyDecision:       p.SafetyDecision,
		SafetyReasons:        p.SafetyReasons,
		RequiresPrescription: p.RequiresPrescription,
		CreatedAt:            time.Now().UTC(),
	}
	for _, item := range p.Items {
		qty := item.Quantity
		if avail, short := available[item.MedicineID]; short {
			qty = avail
		}
		if qty <= 0 {
			continue
		}
		item.Quantity = qty
		item.TotalPrice = item.UnitPrice * float64(qty)
		next.Items = append(next.Items, item)
		next.TotalAmount += item.TotalPrice
	}

	if len(next.Items) == 0 {
		return &FinalizeResult{Shortages: shortages}, nil
	}

	if err := b.orders.SavePreview(ctx, next); err != nil {
		return nil, fmt.Errorf("saving reduced preview: %w", err)
	}

	b.logger.Info("stock conflict, reduced preview offered",
		zap.String("old_preview_id", p.ID),
		zap.String("new_preview_id", next.ID),
		zap.Int("shortages", len(shortages)))
	return &FinalizeResult{Reoffer: next, Shortages: shortages}, nil
}

func orderFromPreview(p *order.Preview) *order.Order {
	now := time.Now().UTC()
	o := &order.Order{
		ID:          order.NewOrderID(),
		PreviewID:   p.ID,
		PatientID:   p.PatientID,
		PatientName: p.PatientName,
		Items:       p.Items,
		TotalAmount: p.TotalAmount,
		Status:      order.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Timeline: []order.TimelineEvent{{
			Action:      "created",
			Agent:       "order_builder",
			Description: "order created from preview " + p.ID,
			Timestamp:   now,
		}},
	}
	_ = o.SetStatus(order.StatusValidated, "order_builder", "safety checks passed")
	_ = o.SetStatus(order.StatusConfirmed, "order_builder", "confirmed by patient")
	return o
}
