// Package prescriptionscan validates uploaded prescription images against
// the medicine they are meant to unlock.
package prescriptionscan

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/llm"
	"github.com/pharmadesk/go-medorder/pkg/circuitbreaker"
)

// ValidityDays is how long a prescription remains valid after its written
// date.
const ValidityDays = 180

// UnreadableMessage is returned whenever the image cannot be analyzed.
const UnreadableMessage = "Failed to analyze the image. Please upload a clearer image."

// Outcome is the result of one validation. Validation alone never unblocks
// an order; the orchestrator re-runs the policy engine on success.
type Outcome struct {
	Valid           bool   `json:"valid"`
	Message         string `json:"message"`
	ExtractedDoctor string `json:"extracted_doctor,omitempty"`
	ExtractedDate   string `json:"extracted_date,omitempty"`
}

// Validator extracts prescription metadata from images via a vision-capable
// model call.
type Validator struct {
	client  llm.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a validator. The breaker is optional.
func New(client llm.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		client:  client,
		breaker: breaker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var scanSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"doctor_name": map[string]any{"type": "string"},
		"date":        map[string]any{"type": "string"},
		"medicines": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"readable": map[string]any{"type": "boolean"},
	},
	"required":             []string{"doctor_name", "date", "medicines", "readable"},
	"additionalProperties": false,
}

const scanPrompt = `You read prescription images for a pharmacy. Extract the
prescribing doctor's name, the written date exactly as printed, and every
medicine named on the prescription. Use empty strings for fields you cannot
read. Set readable to false only if the image is not a legible prescription.`

type scanResult struct {
	DoctorName string   `json:"doctor_name"`
	Date       string   `json:"date"`
	Medicines  []string `json:"medicines"`
	Readable   bool     `json:"readable"`
}

// Validate checks an uploaded image against the expected medicine. It never
// returns an error: every failure mode maps to a user-facing Outcome.
func (v *Validator) Validate(ctx context.Context, image []byte, expectedMedicine string) Outcome {
	if len(image) == 0 {
		return Outcome{Valid: false, Message: UnreadableMessage}
	}

	obj, err := v.scan(ctx, image)
	if err != nil {
		v.logger.Warn("prescription scan failed", zap.Error(err))
		return Outcome{Valid: false, Message: UnreadableMessage}
	}

	var res scanResult
	buf, err := json.Marshal(obj)
	if err == nil {
		err = json.Unmarshal(buf, &res)
	}
	if err != nil || !res.Readable {
		return Outcome{Valid: false, Message: UnreadableMessage}
	}

	return v.check(res, expectedMedicine)
}

func (v *Validator) scan(ctx context.Context, image []byte) (map[string]any, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s",
		http.DetectContentType(image),
		base64.StdEncoding.EncodeToString(image))

	if v.breaker == nil {
		return v.client.GenerateJSONWithImage(ctx, scanPrompt,
			"Extract the prescription details from this image.",
			dataURL, "prescription_scan", scanSchema)
	}
	res, err := v.breaker.Execute(ctx, func() (interface{}, error) {
		return v.client.GenerateJSONWithImage(ctx, scanPrompt,
			"Extract the prescription details from this image.",
			dataURL, "prescription_scan", scanSchema)
	})
	if err != nil {
		return nil, err
	}
	obj, ok := res.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected scan result type %T", res)
	}
	return obj, nil
}

// check applies the validation rules to extracted metadata.
func (v *Validator) check(res scanResult, expectedMedicine string) Outcome {
	out := Outcome{
		ExtractedDoctor: strings.TrimSpace(res.DoctorName),
		ExtractedDate:   strings.TrimSpace(res.Date),
	}

	if out.ExtractedDoctor == "" {
		out.Message = "The prescription is missing the doctor's name."
		return out
	}
	if out.ExtractedDate == "" {
		out.Message = "The prescription is missing a date."
		return out
	}

	written, ok := parseDate(out.ExtractedDate)
	if !ok {
		out.Message = "The prescription date could not be read."
		return out
	}
	if v.now().Sub(written) > ValidityDays*24*time.Hour {
		out.Message = fmt.Sprintf("The prescription has expired (older than %d days).", ValidityDays)
		return out
	}

	if !mentionsMedicine(res.Medicines, expectedMedicine) {
		out.Message = fmt.Sprintf("The prescription does not mention %s.", expectedMedicine)
		return out
	}

	out.Valid = true
	out.Message = "Prescription validated."
	return out
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"02-01-2006",
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// mentionsMedicine fuzzy-matches the expected medicine against the extracted
// list: case-insensitive, tolerant of strength suffixes on either side.
func mentionsMedicine(extracted []string, expected string) bool {
	want := strings.ToLower(strings.TrimSpace(expected))
	if want == "" {
		return false
	}
	wantBase := strings.Fields(want)[0]

	for _, name := range extracted {
		got := strings.ToLower(strings.TrimSpace(name))
		if got == "" {
			continue
		}
		if strings.Contains(got, wantBase) || strings.Contains(want, strings.Fields(got)[0]) {
			return true
		}
	}
	return false
}
