package prescriptionscan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeClient struct {
	obj map[string]any
	err error
}

func (f *fakeClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return f.obj, f.err
}

func (f *fakeClient) GenerateJSONWithImage(ctx context.Context, system, user, imageURL, schemaName string, schema map[string]any) (map[string]any, error) {
	return f.obj, f.err
}

func newValidator(t *testing.T, obj map[string]any, err error) *Validator {
	t.Helper()
	v := New(&fakeClient{obj: obj, err: err}, nil, nil)
	v.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return v
}

func scanObj(doctor, date string, medicines ...string) map[string]any {
	meds := make([]any, len(medicines))
	for i, m := range medicines {
		meds[i] = m
	}
	return map[string]any{
		"doctor_name": doctor,
		"date":        date,
		"medicines":   meds,
		"readable":    true,
	}
}

var image = []byte("\x89PNG\r\n\x1a\nfake")

func TestValidateAccepts(t *testing.T) {
	v := newValidator(t, scanObj("Dr. A. Rahman", "2026-03-10", "Metformin 500mg"), nil)

	out := v.Validate(context.Background(), image, "Metformin")

	if !out.Valid {
		t.Fatalf("expected valid, got message %q", out.Message)
	}
	if out.ExtractedDoctor != "Dr. A. Rahman" {
		t.Errorf("doctor = %q", out.ExtractedDoctor)
	}
}

func TestValidateMissingDoctor(t *testing.T) {
	v := newValidator(t, scanObj("", "2026-03-10", "Metformin"), nil)

	out := v.Validate(context.Background(), image, "Metformin")

	if out.Valid {
		t.Fatal("expected invalid")
	}
	if !strings.Contains(out.Message, "doctor") {
		t.Errorf("message = %q, want mention of doctor", out.Message)
	}
}

func TestValidateMissingDate(t *testing.T) {
	v := newValidator(t, scanObj("Dr. Rahman", "", "Metformin"), nil)

	out := v.Validate(context.Background(), image, "Metformin")

	if out.Valid {
		t.Fatal("expected invalid")
	}
	if !strings.Contains(out.Message, "date") {
		t.Errorf("message = %q, want mention of date", out.Message)
	}
}

func TestValidateExpired(t *testing.T) {
	// Written more than 180 days before the fixed clock.
	v := newValidator(t, scanObj("Dr. Rahman", "2025-06-01", "Metformin"), nil)

	out := v.Validate(context.Background(), image, "Metformin")

	if out.Valid {
		t.Fatal("expected invalid")
	}
	if !strings.Contains(out.Message, "expired") {
		t.Errorf("message = %q, want mention of expiry", out.Message)
	}
}

func TestValidateWrongMedicine(t *testing.T) {
	v := newValidator(t, scanObj("Dr. Rahman", "2026-03-10", "Atorvastatin 20mg"), nil)

	out := v.Validate(context.Background(), image, "Metformin")

	if out.Valid {
		t.Fatal("expected invalid")
	}
	if !strings.Contains(out.Message, "Metformin") {
		t.Errorf("message = %q, want the expected medicine named", out.Message)
	}
}

func TestValidateFuzzyMedicineMatch(t *testing.T) {
	// Strength suffixes on either side still match.
	v := newValidator(t, scanObj("Dr. Rahman", "2026-03-10", "metformin hydrochloride"), nil)

	out := v.Validate(context.Background(), image, "Metformin 500mg")

	if !out.Valid {
		t.Fatalf("expected valid, got %q", out.Message)
	}
}

func TestValidateScanFailure(t *testing.T) {
	v := newValidator(t, nil, errors.New("model unavailable"))

	out := v.Validate(context.Background(), image, "Metformin")

	if out.Valid {
		t.Fatal("expected invalid")
	}
	if out.Message != UnreadableMessage {
		t.Errorf("message = %q, want %q", out.Message, UnreadableMessage)
	}
}

func TestValidateEmptyImage(t *testing.T) {
	v := newValidator(t, scanObj("Dr. Rahman", "2026-03-10", "Metformin"), nil)

	out := v.Validate(context.Background(), nil, "Metformin")

	if out.Valid || out.Message != UnreadableMessage {
		t.Errorf("outcome = %+v", out)
	}
}
