// Package conversation defines conversational state and its store contract.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates the conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageType classifies a message for UI reconstruction.
type MessageType string

const (
	MessageChat         MessageType = "chat"
	MessageOrderSummary MessageType = "order_summary"
	MessageStatus       MessageType = "status"
)

// Message is immutable once appended. Timestamps are server-assigned by the
// store and monotonically non-decreasing within a conversation.
type Message struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Text      string          `json:"text"`
	Type      MessageType     `json:"type"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExtractedEntity is one line item parsed from a user utterance. The
// medicine name is free text, unresolved against the catalog.
type ExtractedEntity struct {
	MedicineName string  `json:"medicine_name"`
	Dosage       string  `json:"dosage,omitempty"`
	Frequency    string  `json:"frequency,omitempty"`
	Quantity     int     `json:"quantity"`
	HasQuantity  bool    `json:"has_quantity"`
	Confidence   float64 `json:"confidence"`
	SourceText   string  `json:"source_text,omitempty"`
}

// EntityState is the latest extracted, unconfirmed order intent. At most one
// is live per conversation; a new extraction supersedes the prior one.
type EntityState struct {
	Entities  []ExtractedEntity `json:"entities"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Phase is the orchestrator's resting state between turns.
type Phase string

const (
	PhaseAwaitingInput        Phase = "AWAITING_INPUT"
	PhaseAwaitingPrescription Phase = "AWAITING_PRESCRIPTION"
	PhaseAwaitingConfirmation Phase = "AWAITING_CONFIRMATION"
)

// Session is the mutable per-conversation slot the orchestrator owns:
// resting phase, live entity state, and any pending preview or prescription
// request carried across turns.
type Session struct {
	Phase             Phase        `json:"phase"`
	Entities          *EntityState `json:"entities,omitempty"`
	PendingPreviewID  string       `json:"pending_preview_id,omitempty"`
	PendingMedicineID string       `json:"pending_medicine_id,omitempty"`
	// ValidPrescriptions maps medicine id to the validation time of a
	// prescription accepted this conversation.
	ValidPrescriptions map[string]time.Time `json:"valid_prescriptions,omitempty"`
}

// NewSession returns an empty session at the initial phase.
func NewSession() *Session {
	return &Session{
		Phase:              PhaseAwaitingInput,
		ValidPrescriptions: make(map[string]time.Time),
	}
}

// HasValidPrescription reports whether a prescription for the medicine was
// validated within the validity window.
func (s *Session) HasValidPrescription(medicineID string, now time.Time, maxAge time.Duration) bool {
	validatedAt, ok := s.ValidPrescriptions[medicineID]
	if !ok {
		return false
	}
	return now.Sub(validatedAt) <= maxAge
}

// Conversation is identified by (user, patient). Messages are append-only;
// the session is mutated in place under the store's serialization guarantee.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PatientID string    `json:"patient_id"`
	Session   *Session  `json:"session"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the conversation persistence contract.
type Store interface {
	// GetOrCreate returns the conversation for (userID, patientID),
	// creating it lazily on first use.
	GetOrCreate(ctx context.Context, userID, patientID string) (*Conversation, error)
	// AppendMessage persists a message, assigning a server-side timestamp
	// no earlier than the last message in the conversation.
	AppendMessage(ctx context.Context, conversationID string, msg *Message) error
	// History returns all messages ordered by timestamp ascending.
	History(ctx context.Context, conversationID string) ([]*Message, error)
	// SaveSession persists the mutable session slot.
	SaveSession(ctx context.Context, conversationID string, session *Session) error
}
