package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
)

// ConversationStore implements conversation.Store on PostgreSQL. The session
// slot is stored as a JSONB column on the conversation row; messages are an
// append-only table with server-assigned timestamps.
type ConversationStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewConversationStore creates a conversation store.
func NewConversationStore(pool *pgxpool.Pool, logger *zap.Logger) *ConversationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationStore{pool: pool, logger: logger}
}

func (s *ConversationStore) GetOrCreate(ctx context.Context, userID, patientID string) (*conversation.Conversation, error) {
	conv := &conversation.Conversation{UserID: userID, PatientID: patientID}

	var sessionData []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, session, created_at
		FROM conversations
		WHERE user_id = $1 AND patient_id = $2
	`, userID, patientID).Scan(&conv.ID, &sessionData, &conv.CreatedAt)

	switch {
	case err == nil:
		session := conversation.NewSession()
		if len(sessionData) > 0 {
			if uerr := json.Unmarshal(sessionData, session); uerr != nil {
				s.logger.Warn("corrupt session, resetting",
					zap.String("conversation_id", conv.ID), zap.Error(uerr))
				session = conversation.NewSession()
			}
		}
		conv.Session = session
		return conv, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s.create(ctx, userID, patientID)
	default:
		return nil, fmt.Errorf("load conversation: %w", err)
	}
}

func (s *ConversationStore) create(ctx context.Context, userID, patientID string) (*conversation.Conversation, error) {
	conv := &conversation.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		PatientID: patientID,
		Session:   conversation.NewSession(),
		CreatedAt: time.Now().UTC(),
	}
	sessionData, err := json.Marshal(conv.Session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	// A concurrent create for the same key wins via the unique constraint;
	// fall back to reading the winner's row.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, patient_id, session, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, patient_id) DO NOTHING
	`, conv.ID, userID, patientID, sessionData, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.GetOrCreate(ctx, userID, patientID)
	}
	return conv, nil
}

// AppendMessage persists a message with a server-assigned timestamp that
// never precedes the previous message in the conversation.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, msg *conversation.Message) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender, text, type, metadata, timestamp)
		SELECT $1, $2, $3, $4, $5, $6,
		       GREATEST(NOW(), COALESCE(
		           (SELECT MAX(timestamp) FROM messages WHERE conversation_id = $2), NOW()))
		RETURNING timestamp
	`, msg.ID, conversationID, msg.Sender, msg.Text, msg.Type, msg.Metadata).Scan(&msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *ConversationStore) History(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, text, type, metadata, timestamp
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Message
	for rows.Next() {
		m := &conversation.Message{}
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &m.Type, &m.Metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ConversationStore) SaveSession(ctx context.Context, conversationID string, session *conversation.Session) error {
	sessionData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET session = $2, updated_at = NOW() WHERE id = $1
	`, conversationID, sessionData)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrNotFound
	}
	return nil
}
