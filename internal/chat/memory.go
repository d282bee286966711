package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// UserMemory is what is known about a user across courses.
type UserMemory struct {
	UserID         string    `json:"user_id"`
	Facts          []string  `json:"facts"`
	Preferences    []string  `json:"preferences"`
	Goals          []string  `json:"goals"`
	CoursesStudied []string  `json:"courses_studied"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// String renders the memory as the short text block sent with LLM
// turns. Empty sections are left out.
func (m *UserMemory) String() string {
	var lines []string
	add := func(label string, items []string) {
		if len(items) > 0 {
			lines = append(lines, label+": "+strings.Join(items, "; "))
		}
	}
	add("Facts", m.Facts)
	add("Preferences", m.Preferences)
	add("Goals", m.Goals)
	add("Courses studied", m.CoursesStudied)
	return strings.Join(lines, "\n")
}

// MemoryStore persists UserMemory.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMemoryStore creates the store, creating its schema if needed.
func NewMemoryStore(db *sql.DB, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{db: db, logger: logger}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_memory (
			user_id    TEXT PRIMARY KEY,
			memory     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("migrate user memory: %w", err)
	}
	return s, nil
}

// Get returns the user's memory; an empty memory when none is stored.
func (s *MemoryStore) Get(ctx context.Context, userID string) (*UserMemory, error) {
	var raw, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory, updated_at FROM user_memory WHERE user_id = ?`, userID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserMemory{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user memory: %w", err)
	}

	var m UserMemory
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode user memory: %w", err)
	}
	m.UserID = userID
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &m, nil
}

// Save stores the memory.
func (s *MemoryStore) Save(ctx context.Context, m *UserMemory) error {
	m.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode user memory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_memory (user_id, memory, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET memory = excluded.memory, updated_at = excluded.updated_at`,
		m.UserID, string(raw), m.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save user memory: %w", err)
	}
	return nil
}

// MemoryKind names a list in UserMemory.
type MemoryKind string

const (
	MemoryFact       MemoryKind = "fact"
	MemoryPreference MemoryKind = "preference"
	MemoryGoal       MemoryKind = "goal"
	MemoryCourse     MemoryKind = "course"
)

// Add appends an item to one of the user's lists unless it is already
// there.
func (s *MemoryStore) Add(ctx context.Context, userID string, kind MemoryKind, item string) (*UserMemory, error) {
	item = strings.TrimSpace(item)
	if item == "" {
		return nil, errors.New("empty memory item")
	}
	m, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	var list *[]string
	switch kind {
	case MemoryFact:
		list = &m.Facts
	case MemoryPreference:
		list = &m.Preferences
	case MemoryGoal:
		list = &m.Goals
	case MemoryCourse:
		list = &m.CoursesStudied
	default:
		return nil, fmt.Errorf("unknown memory kind %q", kind)
	}
	if slices.Contains(*list, item) {
		return m, nil
	}
	*list = append(*list, item)

	if err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Summary returns the user's memory as prompt text. Failures are logged
// and yield "", since memory is optional context.
func (s *MemoryStore) Summary(ctx context.Context, userID string) string {
	m, err := s.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("user memory unavailable", "user_id", userID, "error", err)
		return ""
	}
	return m.String()
}
