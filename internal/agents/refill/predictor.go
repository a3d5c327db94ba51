// Package refill predicts when patients run out of a medicine and what to do
// about it.
package refill

import (
	"fmt"
	"strings"
	"time"

	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
)

// Action is the recommended response to a predicted refill.
type Action string

const (
	ActionRemind     Action = "REMIND"
	ActionAutoRefill Action = "AUTO_REFILL"
	ActionBlock      Action = "BLOCK"
)

// Urgency tiers a refill alert by days remaining.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyLow      Urgency = "LOW"
)

// Alert is one refill prediction. Each computation supersedes the previous
// one for the same (patient, medicine) pair.
type Alert struct {
	PatientID     string    `json:"patient_id"`
	MedicineID    string    `json:"medicine_id"`
	MedicineName  string    `json:"medicine_name"`
	DaysRemaining int       `json:"days_remaining"`
	RefillDate    time.Time `json:"refill_date"`
	Action        Action    `json:"action"`
	Urgency       Urgency   `json:"urgency"`
	Justification string    `json:"justification"`
}

// Config holds the prediction thresholds.
type Config struct {
	AutoRefillThresholdDays int
	ReminderThresholdDays   int
	// EarlyRefillFraction is the share of the supply window that must
	// elapse before a reorder stops counting as too early.
	EarlyRefillFraction float64
}

// DefaultConfig returns the standing thresholds.
func DefaultConfig() Config {
	return Config{
		AutoRefillThresholdDays: 7,
		ReminderThresholdDays:   30,
		EarlyRefillFraction:     0.75,
	}
}

// Predictor computes refill alerts from order history. It is pure: no side
// effects, re-run on demand.
type Predictor struct {
	cfg Config
}

// NewPredictor creates a predictor.
func NewPredictor(cfg Config) *Predictor {
	return &Predictor{cfg: cfg}
}

// Predict returns a refill alert for the medicine, or nil when the supply
// runs out beyond the reminder horizon. Absence of an alert is the fourth
// outcome, not an action value.
func (p *Predictor) Predict(patientID string, med *catalog.Medicine, history []*order.Order, hasValidPrescription bool, now time.Time) *Alert {
	lastDate, lastQty, found := lastOrderOf(history, med)
	if !found {
		return nil
	}

	daysSupply := med.DaysSupply(lastQty)
	refillDate := lastDate.AddDate(0, 0, daysSupply)
	daysRemaining := int(refillDate.Sub(now).Hours() / 24)

	if daysRemaining > p.cfg.ReminderThresholdDays {
		return nil
	}

	alert := &Alert{
		PatientID:     patientID,
		MedicineID:    med.ID,
		MedicineName:  med.Name,
		DaysRemaining: daysRemaining,
		RefillDate:    refillDate,
		Urgency:       urgencyFor(daysRemaining),
	}

	gated := med.PrescriptionRequired || med.ControlledSubstance
	switch {
	case gated && !hasValidPrescription:
		alert.Action = ActionBlock
		alert.Justification = fmt.Sprintf(
			"%s requires a prescription and none is on file", med.Name)
	case daysRemaining <= p.cfg.AutoRefillThresholdDays && !gated:
		alert.Action = ActionAutoRefill
		alert.Justification = fmt.Sprintf(
			"supply of %s runs out in %d day(s)", med.Name, daysRemaining)
	default:
		alert.Action = ActionRemind
		alert.Justification = fmt.Sprintf(
			"refill of %s due around %s", med.Name, refillDate.Format("2006-01-02"))
	}

	return alert
}

// TooEarly reports whether a reorder of the medicine comes before enough of
// the last supply window has elapsed.
func (p *Predictor) TooEarly(med *catalog.Medicine, history []*order.Order, now time.Time) bool {
	lastDate, lastQty, found := lastOrderOf(history, med)
	if !found {
		return false
	}
	daysSupply := med.DaysSupply(lastQty)
	if daysSupply <= 0 {
		return false
	}
	elapsed := now.Sub(lastDate).Hours() / 24
	return elapsed < p.cfg.EarlyRefillFraction*float64(daysSupply)
}

func urgencyFor(daysRemaining int) Urgency {
	switch {
	case daysRemaining <= 0:
		return UrgencyCritical
	case daysRemaining <= 3:
		return UrgencyHigh
	case daysRemaining <= 7:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// lastOrderOf finds the most recent confirmed order line for the medicine.
// History is newest first, as the order store returns it.
func lastOrderOf(history []*order.Order, med *catalog.Medicine) (time.Time, int, bool) {
	for _, o := range history {
		if o.Status == order.StatusBlocked || o.Status == order.StatusCancelled {
			continue
		}
		for _, item := range o.Items {
			if item.MedicineID == med.ID || strings.EqualFold(item.MedicineName, med.Name) {
				return o.CreatedAt, item.Quantity, true
			}
		}
	}
	return time.Time{}, 0, false
}
