package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
)

type convRecord struct {
	conv     *conversation.Conversation
	messages []*conversation.Message
}

// ConversationStore is an in-memory conversation.Store. Message timestamps
// are server-assigned and monotonically non-decreasing per conversation.
type ConversationStore struct {
	mu    sync.Mutex
	byKey map[string]*convRecord
	byID  map[string]*convRecord
}

// NewConversationStore creates an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		byKey: make(map[string]*convRecord),
		byID:  make(map[string]*convRecord),
	}
}

func (s *ConversationStore) GetOrCreate(ctx context.Context, userID, patientID string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + "/" + patientID
	if rec, ok := s.byKey[key]; ok {
		return rec.conv, nil
	}

	conv := &conversation.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		PatientID: patientID,
		Session:   conversation.NewSession(),
		CreatedAt: time.Now().UTC(),
	}
	rec := &convRecord{conv: conv}
	s.byKey[key] = rec
	s.byID[conv.ID] = rec
	return conv, nil
}

func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[conversationID]
	if !ok {
		return conversation.ErrNotFound
	}

	ts := time.Now().UTC()
	if n := len(rec.messages); n > 0 && ts.Before(rec.messages[n-1].Timestamp) {
		ts = rec.messages[n-1].Timestamp
	}
	msg.Timestamp = ts
	rec.messages = append(rec.messages, msg)
	return nil
}

func (s *ConversationStore) History(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[conversationID]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	out := make([]*conversation.Message, len(rec.messages))
	copy(out, rec.messages)
	return out, nil
}

func (s *ConversationStore) SaveSession(ctx context.Context, conversationID string, session *conversation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[conversationID]
	if !ok {
		return conversation.ErrNotFound
	}
	rec.conv.Session = session
	return nil
}
