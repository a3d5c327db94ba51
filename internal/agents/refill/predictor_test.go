package refill

import (
	"testing"
	"time"

	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func historyWith(med *catalog.Medicine, qty int, orderedAt time.Time) []*order.Order {
	return []*order.Order{{
		ID:        order.NewOrderID(),
		PatientID: "PAT001",
		Status:    order.StatusConfirmed,
		CreatedAt: orderedAt,
		Items: []order.Item{{
			MedicineID:   med.ID,
			MedicineName: med.Name,
			Quantity:     qty,
		}},
	}}
}

func TestPredictNoAlertBeyondHorizon(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	// 90-day supply bought yesterday: nothing to say yet.
	alert := p.Predict("PAT001", med, historyWith(med, 90, now.AddDate(0, 0, -1)), false, now)
	if alert != nil {
		t.Fatalf("expected no alert, got %+v", alert)
	}
}

func TestPredictRemind(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	// 30-day supply, 15 days in: 15 days remaining.
	alert := p.Predict("PAT001", med, historyWith(med, 30, now.AddDate(0, 0, -15)), false, now)
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if alert.Action != ActionRemind {
		t.Errorf("action = %s, want REMIND", alert.Action)
	}
	if alert.DaysRemaining != 15 {
		t.Errorf("days remaining = %d, want 15", alert.DaysRemaining)
	}
	if alert.Urgency != UrgencyLow {
		t.Errorf("urgency = %s, want LOW", alert.Urgency)
	}
}

func TestPredictAutoRefill(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	// 30-day supply, 25 days in: 5 days remaining, not gated.
	alert := p.Predict("PAT001", med, historyWith(med, 30, now.AddDate(0, 0, -25)), false, now)
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if alert.Action != ActionAutoRefill {
		t.Errorf("action = %s, want AUTO_REFILL", alert.Action)
	}
	if alert.Urgency != UrgencyMedium {
		t.Errorf("urgency = %s, want MEDIUM", alert.Urgency)
	}
}

func TestPredictBlockWithoutPrescription(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED010", Name: "Metformin", PrescriptionRequired: true}

	alert := p.Predict("PAT001", med, historyWith(med, 30, now.AddDate(0, 0, -28)), false, now)
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if alert.Action != ActionBlock {
		t.Errorf("action = %s, want BLOCK", alert.Action)
	}

	// With a prescription on file, the gate lifts but the refill is
	// still due: prescription-gated medicines are never auto-refilled.
	alert = p.Predict("PAT001", med, historyWith(med, 30, now.AddDate(0, 0, -28)), true, now)
	if alert == nil || alert.Action != ActionRemind {
		t.Errorf("alert = %+v, want REMIND", alert)
	}
}

func TestPredictOverdueIsCritical(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	// Supply ran out 5 days ago.
	alert := p.Predict("PAT001", med, historyWith(med, 30, now.AddDate(0, 0, -35)), false, now)
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if alert.DaysRemaining != -5 {
		t.Errorf("days remaining = %d, want -5", alert.DaysRemaining)
	}
	if alert.Urgency != UrgencyCritical {
		t.Errorf("urgency = %s, want CRITICAL", alert.Urgency)
	}
}

func TestPredictNoHistory(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	if alert := p.Predict("PAT001", med, nil, false, now); alert != nil {
		t.Errorf("expected no alert without history, got %+v", alert)
	}
}

func TestPredictSkipsCancelledOrders(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	history := historyWith(med, 30, now.AddDate(0, 0, -25))
	history[0].Status = order.StatusCancelled

	if alert := p.Predict("PAT001", med, history, false, now); alert != nil {
		t.Errorf("cancelled orders must not drive predictions, got %+v", alert)
	}
}

func TestTooEarly(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	med := &catalog.Medicine{ID: "MED001", Name: "Paracetamol"}

	// 10 days into a 30-day supply: below the 0.75 fraction.
	if !p.TooEarly(med, historyWith(med, 30, now.AddDate(0, 0, -10)), now) {
		t.Error("expected reorder at day 10/30 to be too early")
	}
	// 25 days in: past the fraction.
	if p.TooEarly(med, historyWith(med, 30, now.AddDate(0, 0, -25)), now) {
		t.Error("expected reorder at day 25/30 to be allowed")
	}
	// No history: never too early.
	if p.TooEarly(med, nil, now) {
		t.Error("expected no-history reorder to be allowed")
	}
}
