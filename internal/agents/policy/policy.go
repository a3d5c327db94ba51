// Package policy implements the deterministic safety engine that gates every
// order. Evaluation is a pure function of its inputs and fails closed.
package policy

import (
	"fmt"
	"strings"

	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
)

// Verdict is the aggregate safety verdict for an order.
type Verdict string

const (
	VerdictApprove     Verdict = "APPROVE"
	VerdictReject      Verdict = "REJECT"
	VerdictConditional Verdict = "CONDITIONAL"
)

// Severity classifies a drug interaction rule.
type Severity string

const (
	SeveritySevere   Severity = "severe"
	SeverityModerate Severity = "moderate"
)

// InteractionRule is one pairwise drug interaction. Severe rules are hard
// contraindications and block the involved order items; moderate rules add
// a conditional reason and require pharmacist follow-up.
type InteractionRule struct {
	DrugA       string
	DrugB       string
	Severity    Severity
	Description string
}

// Config holds the policy rule set.
type Config struct {
	DefaultMaxQuantity    int
	ControlledMaxQuantity int
	AntibioticMaxQuantity int
	ControlledSubstances  []string
	Interactions          []InteractionRule
}

// DefaultConfig returns the standing pharmacy rule set.
func DefaultConfig() Config {
	return Config{
		DefaultMaxQuantity:    90,
		ControlledMaxQuantity: 30,
		AntibioticMaxQuantity: 21,
		ControlledSubstances: []string{
			"morphine", "tramadol", "diazepam", "alprazolam",
			"pregabalin", "hydrocodone", "oxycodone", "codeine",
		},
		Interactions: []InteractionRule{
			{DrugA: "warfarin", DrugB: "aspirin", Severity: SeveritySevere, Description: "increased bleeding risk"},
			{DrugA: "metformin", DrugB: "alcohol", Severity: SeverityModerate, Description: "risk of lactic acidosis"},
			{DrugA: "lisinopril", DrugB: "potassium", Severity: SeverityModerate, Description: "risk of hyperkalemia"},
		},
	}
}

// Line is one proposed order item.
type Line struct {
	Medicine *catalog.Medicine
	Quantity int
}

// Request is the input to an evaluation.
type Request struct {
	Items []Line
	// RecentMedicines are medicine names from the patient's recent order
	// history, checked for interactions against the proposed items.
	RecentMedicines []string
	// ValidPrescriptions maps medicine id to whether a valid prescription
	// is on file.
	ValidPrescriptions map[string]bool
}

// Decision is the immutable outcome of one evaluation. A new decision
// supersedes, never patches, a prior one.
type Decision struct {
	Verdict              Verdict        `json:"decision"`
	Reasons              []string       `json:"reasons"`
	AllowedQuantities    map[string]int `json:"allowed_quantities,omitempty"`
	RequiresFollowup     bool           `json:"requires_followup"`
	RequiresPrescription bool           `json:"requires_prescription"`
	BlockedItems         []string       `json:"blocked_items,omitempty"`
}

// AllowedQuantity returns the capped quantity for a medicine, if any.
func (d *Decision) AllowedQuantity(medicineID string) (int, bool) {
	qty, ok := d.AllowedQuantities[medicineID]
	return qty, ok
}

// IsBlocked reports whether the medicine is in the blocked set.
func (d *Decision) IsBlocked(medicineID string) bool {
	for _, id := range d.BlockedItems {
		if id == medicineID {
			return true
		}
	}
	return false
}

// Engine evaluates orders against the rule set.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the given rule set.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate applies the rule set to a proposed order. It never panics past
// this boundary: any internal failure yields REJECT, not a silent APPROVE.
func (e *Engine) Evaluate(req Request) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = Decision{
				Verdict: VerdictReject,
				Reasons: []string{fmt.Sprintf("safety check failed: %v", r)},
			}
		}
	}()

	decision = e.evaluate(req)
	return decision
}

func (e *Engine) evaluate(req Request) Decision {
	d := Decision{
		Verdict:           VerdictApprove,
		AllowedQuantities: make(map[string]int),
	}

	blocked := make(map[string]bool)

	// Prescription gate.
	for _, line := range req.Items {
		med := line.Medicine
		if !e.requiresPrescription(med) {
			continue
		}
		d.RequiresPrescription = true
		if req.ValidPrescriptions[med.ID] {
			continue
		}
		blocked[med.ID] = true
		d.BlockedItems = append(d.BlockedItems, med.ID)
		d.Reasons = append(d.Reasons, fmt.Sprintf("prescription required for %s", med.Name))
	}

	// Quantity caps. Capping never drops items; the order proceeds at the
	// reduced quantity.
	capped := false
	for _, line := range req.Items {
		med := line.Medicine
		if blocked[med.ID] {
			continue
		}
		max := e.maxQuantity(med)
		if line.Quantity > max {
			capped = true
			d.AllowedQuantities[med.ID] = max
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"quantity of %s reduced from %d to the maximum of %d per order",
				med.Name, line.Quantity, max))
		}
	}

	// Pairwise interactions across the order and recent history.
	names := make([]string, 0, len(req.Items)+len(req.RecentMedicines))
	for _, line := range req.Items {
		names = append(names, line.Medicine.Name)
	}
	names = append(names, req.RecentMedicines...)

	for _, rule := range e.cfg.Interactions {
		aIdx, bIdx := matchPair(names, rule.DrugA, rule.DrugB)
		if aIdx < 0 || bIdx < 0 {
			continue
		}
		reason := fmt.Sprintf("interaction between %s and %s: %s", rule.DrugA, rule.DrugB, rule.Description)
		if rule.Severity == SeveritySevere {
			// Block the in-order items involved; history entries
			// cannot be blocked.
			for i, line := range req.Items {
				if (i == aIdx || i == bIdx) && !blocked[line.Medicine.ID] {
					blocked[line.Medicine.ID] = true
					d.BlockedItems = append(d.BlockedItems, line.Medicine.ID)
				}
			}
			d.Reasons = append(d.Reasons, reason)
		} else {
			d.RequiresFollowup = true
			d.Reasons = append(d.Reasons, reason)
		}
	}

	switch {
	case len(blocked) > 0 && len(blocked) == len(req.Items):
		d.Verdict = VerdictReject
	case len(blocked) > 0 || capped || d.RequiresFollowup:
		d.Verdict = VerdictConditional
	default:
		d.Verdict = VerdictApprove
	}

	return d
}

func (e *Engine) requiresPrescription(med *catalog.Medicine) bool {
	if med.PrescriptionRequired || med.ControlledSubstance {
		return true
	}
	return e.isControlled(med.Name)
}

func (e *Engine) isControlled(name string) bool {
	lower := strings.ToLower(name)
	for _, sub := range e.cfg.ControlledSubstances {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

func (e *Engine) maxQuantity(med *catalog.Medicine) int {
	if med.MaxQuantityPerOrder > 0 {
		return med.MaxQuantityPerOrder
	}
	if med.ControlledSubstance || e.isControlled(med.Name) {
		return e.cfg.ControlledMaxQuantity
	}
	if strings.EqualFold(med.Category, "antibiotic") {
		return e.cfg.AntibioticMaxQuantity
	}
	return e.cfg.DefaultMaxQuantity
}

// matchPair finds one name containing drugA and a different name containing
// drugB, returning their indices or -1.
func matchPair(names []string, drugA, drugB string) (int, int) {
	aIdx, bIdx := -1, -1
	for i, name := range names {
		lower := strings.ToLower(name)
		if aIdx < 0 && strings.Contains(lower, drugA) {
			aIdx = i
			continue
		}
		if bIdx < 0 && strings.Contains(lower, drugB) {
			bIdx = i
		}
	}
	if aIdx < 0 || bIdx < 0 {
		return -1, -1
	}
	return aIdx, bIdx
}
