package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// Conversation groups the messages of one user about one course.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CourseID  string    `json:"course_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one utterance in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationStore persists conversations and their messages.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates the store, creating its schema if needed.
func NewConversationStore(db *sql.DB) (*ConversationStore, error) {
	s := &ConversationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *ConversationStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			course_id  TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user_course
			ON conversations(user_id, course_id);
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);
	`)
	return err
}

// Create starts a new conversation.
func (s *ConversationStore) Create(ctx context.Context, userID, courseID string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation id: %w", err)
	}
	c := &Conversation{ID: id.String(), UserID: userID, CourseID: courseID, CreatedAt: time.Now().UTC()}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, course_id, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.UserID, c.CourseID, c.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// Latest returns the most recent conversation of a user about a course,
// or nil when there is none.
func (s *ConversationStore) Latest(ctx context.Context, userID, courseID string) (*Conversation, error) {
	var c Conversation
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, course_id, created_at FROM conversations
		 WHERE user_id = ? AND course_id = ?
		 ORDER BY rowid DESC LIMIT 1`,
		userID, courseID,
	).Scan(&c.ID, &c.UserID, &c.CourseID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

// GetOrCreate returns the latest conversation or starts one.
func (s *ConversationStore) GetOrCreate(ctx context.Context, userID, courseID string) (*Conversation, error) {
	c, err := s.Latest(ctx, userID, courseID)
	if err != nil || c != nil {
		return c, err
	}
	return s.Create(ctx, userID, courseID)
}

// Append adds a message to a conversation.
func (s *ConversationStore) Append(ctx context.Context, conversationID string, role Role, content string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	m := &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// Messages returns up to limit most recent messages in insertion
// order. A limit of zero or less returns all of them.
func (s *ConversationStore) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM (
		   SELECT id, conversation_id, role, content, created_at, rowid AS seq FROM messages
		   WHERE conversation_id = ? ORDER BY rowid DESC LIMIT ?
		 ) ORDER BY seq`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}
