package navigation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Position is a user's persisted reading position within one course.
type Position struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	CourseID      string    `json:"course_id"`
	CurrentLeafID string    `json:"current_leaf_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists positions in SQLite, one row per user and course.
type Store struct {
	db *sql.DB
}

// NewStore creates a navigation store on an open database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate navigation: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS navigation (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			course_id       TEXT NOT NULL,
			current_leaf_id TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			UNIQUE (user_id, course_id)
		);
	`)
	return err
}

// GetOrCreate returns the user's position in a course, creating one at
// firstLeafID when none exists.
func (s *Store) GetOrCreate(ctx context.Context, userID, courseID, firstLeafID string) (*Position, error) {
	p, err := s.get(ctx, userID, courseID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate navigation id: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO navigation (id, user_id, course_id, current_leaf_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, course_id) DO NOTHING`,
		id.String(), userID, courseID, firstLeafID, now, now,
	); err != nil {
		return nil, fmt.Errorf("create navigation for %s/%s: %w", userID, courseID, err)
	}
	return s.get(ctx, userID, courseID)
}

// UpdateCurrentLeaf moves a position to leafID and returns the updated
// record.
func (s *Store) UpdateCurrentLeaf(ctx context.Context, id, leafID string) (*Position, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE navigation SET current_leaf_id = ?, updated_at = ? WHERE id = ?`,
		leafID, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update navigation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update navigation %s: no such position", id)
	}

	var p Position
	var created, updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, course_id, current_leaf_id, created_at, updated_at
		 FROM navigation WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.CourseID, &p.CurrentLeafID, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("reload navigation %s: %w", id, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}

func (s *Store) get(ctx context.Context, userID, courseID string) (*Position, error) {
	var p Position
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, course_id, current_leaf_id, created_at, updated_at
		 FROM navigation WHERE user_id = ? AND course_id = ?`, userID, courseID,
	).Scan(&p.ID, &p.UserID, &p.CourseID, &p.CurrentLeafID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get navigation for %s/%s: %w", userID, courseID, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}
