// Package extractor turns free-text utterances into structured medication
// order entities via a schema-constrained model call.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
	"github.com/pharmadesk/go-medorder/internal/llm"
	"github.com/pharmadesk/go-medorder/pkg/circuitbreaker"
)

// DefaultConfidenceThreshold is the minimum confidence on a medicine name
// before the turn proceeds without clarification.
const DefaultConfidenceThreshold = 0.5

// FallbackClarification is returned whenever the model call fails. The
// conversation always gets a response.
const FallbackClarification = "I didn't quite catch that. Could you rephrase your request?"

// Turn is one prior (role, text) pair of conversation history.
type Turn struct {
	Role string
	Text string
}

/// Result is the outcome of one extraction. It is a pure value: persistence
// is the orchestrator's responsibility.
type Result struct {
	Entities             []conversation.ExtractedEntity `json:"entities"`
	NeedsClarification   bool                           `json:"needs_clarification"`
	ClarificationMessage string                         `json:"clarification_message,omitempty"`
}

// Extractor wraps the model client behind the extraction contract.
type Extractor struct {
	client    llm.Client
	breaker   *circuitbreaker.CircuitBreaker
	threshold float64
	logger    *zap.Logger
}

// New creates an extractor. The breaker is optional.
func New(client llm.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		client:    client,
		breaker:   breaker,
		threshold: DefaultConfidenceThreshold,
		logger:    logger,
	}
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"medicine_name": map[string]any{"type": "string"},
					"dosage":        map[string]any{"type": "string"},
					"frequency":     map[string]any{"type": "string"},
					"quantity":      map[string]any{"type": "integer"},
					"confidence":    map[string]any{"type": "number"},
				},
				"required":             []string{"medicine_name", "dosage", "frequency", "quantity", "confidence"},
				"additionalProperties": false,
			},
		},
		"needs_clarification":   map[string]any{"type": "boolean"},
		"clarification_message": map[string]any{"type": "string"},
	},
	"required":             []string{"entities", "needs_clarification", "clarification_message"},
	"additionalProperties": false,
}

const systemPrompt = `You extract medication order line items from pharmacy chat messages.
Return one entity per medicine mentioned. Set quantity to -1 when the message
does not state an integer quantity for that medicine. Confidence is your
certainty in the medicine name, between 0 and 1. When the message refers back
to a previously discussed medicine ("make it 20", "the second one"), update
that entity from the prior context instead of inventing a new one. If the
request is ambiguous, set needs_clarification and write a short question.`

type rawEntity struct {
	MedicineName string  `json:"medicine_name"`
	Dosage       string  `json:"dosage"`
	Frequency    string  `json:"frequency"`
	Quantity     int     `json:"quantity"`
	Confidence   float64 `json:"confidence"`
}

type rawResult struct {
	Entities             []rawEntity `json:"entities"`
	NeedsClarification   bool        `json:"needs_clarification"`
	ClarificationMessage string      `json:"clarification_message"`
}

// Extract parses an utterance into order entities, resolving anaphora
// against the prior entity state.
func (e *Extractor) Extract(ctx context.Context, utterance string, prior *conversation.EntityState, history []Turn) Result {
	user := buildUserPrompt(utterance, prior, history)

	obj, err := e.call(ctx, user)
	if err != nil {
		e.logger.Warn("extraction degraded to clarification", zap.Error(err))
		return fallbackResult()
	}

	var raw rawResult
	buf, err := json.Marshal(obj)
	if err == nil {
		err = json.Unmarshal(buf, &raw)
	}
	if err != nil {
		e.logger.Warn("extraction response malformed", zap.Error(err))
		return fallbackResult()
	}

	return e.normalize(raw, prior)
}

func (e *Extractor) call(ctx context.Context, user string) (map[string]any, error) {
	if e.breaker == nil {
		return e.client.GenerateJSON(ctx, systemPrompt, user, "order_extraction", extractionSchema)
	}
	res, err := e.breaker.Execute(ctx, func() (interface{}, error) {
		return e.client.GenerateJSON(ctx, systemPrompt, user, "order_extraction", extractionSchema)
	})
	if err != nil {
		return nil, err
	}
	obj, ok := res.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected extraction result type %T", res)
	}
	return obj, nil
}

// normalize converts the raw model output into the contract result:
// anaphora merging, quantity validation, and the confidence gate.
func (e *Extractor) normalize(raw rawResult, prior *conversation.EntityState) Result {
	if raw.NeedsClarification && strings.TrimSpace(raw.ClarificationMessage) != "" {
		return Result{NeedsClarification: true, ClarificationMessage: raw.ClarificationMessage}
	}

	out := Result{}
	for _, re := range raw.Entities {
		ent := conversation.ExtractedEntity{
			MedicineName: strings.TrimSpace(re.MedicineName),
			Dosage:       strings.TrimSpace(re.Dosage),
			Frequency:    strings.TrimSpace(re.Frequency),
			Confidence:   re.Confidence,
		}
		if re.Quantity >= 0 {
			ent.Quantity = re.Quantity
			ent.HasQuantity = true
		}

		// A quantity-only update refers to the most recently discussed
		// line item rather than a new medicine.
		if ent.MedicineName == "" && ent.HasQuantity && prior != nil && len(prior.Entities) > 0 {
			last := prior.Entities[len(prior.Entities)-1]
			ent.MedicineName = last.MedicineName
			if ent.Dosage == "" {
				ent.Dosage = last.Dosage
			}
			if ent.Frequency == "" {
				ent.Frequency = last.Frequency
			}
			ent.Confidence = last.Confidence
		}

		if ent.MedicineName == "" {
			continue
		}
		out.Entities = append(out.Entities, ent)
	}

	if len(out.Entities) == 0 {
		return Result{
			NeedsClarification:   true,
			ClarificationMessage: "Which medicine would you like to order?",
		}
	}

	for _, ent := range out.Entities {
		if ent.Confidence < e.threshold {
			return Result{
				Entities:           out.Entities,
				NeedsClarification: true,
				ClarificationMessage: fmt.Sprintf(
					"Did you mean %s? Please confirm the medicine name.", ent.MedicineName),
			}
		}
		if !ent.HasQuantity {
			return Result{
				Entities:           out.Entities,
				NeedsClarification: true,
				ClarificationMessage: fmt.Sprintf(
					"How many units of %s would you like?", ent.MedicineName),
			}
		}
	}

	return out
}

func fallbackResult() Result {
	return Result{
		NeedsClarification:   true,
		ClarificationMessage: FallbackClarification,
	}
}

func buildUserPrompt(utterance string, prior *conversation.EntityState, history []Turn) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		// Only the recent tail matters for anaphora.
		start := 0
		if len(history) > 8 {
			start = len(history) - 8
		}
		for _, turn := range history[start:] {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
		}
		b.WriteString("\n")
	}

	if prior != nil && len(prior.Entities) > 0 {
		priorJSON, _ := json.Marshal(prior.Entities)
		fmt.Fprintf(&b, "Previously extracted entities: %s\n\n", priorJSON)
	}

	fmt.Fprintf(&b, "Message: %s", utterance)
	return b.String()
}
