// Package opstate keeps small pieces of operational state that must
// survive a restart, such as which course a user had open. Structured
// domain data belongs in its own store.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Namespaces used by the assistant.
const (
	NamespaceSession = "session"
)

// Store is a namespaced key-value table. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates the table if needed. The caller owns db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate opstate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	return err
}

// Get returns the value for namespace/key, or "" when absent.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts namespace/key.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns every key in namespace. The map is never nil.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func lastCourseKey(userID string) string { return userID + ":last_course" }

// LastCourse returns the course the user last loaded, or "".
func (s *Store) LastCourse(ctx context.Context, userID string) (string, error) {
	return s.Get(ctx, NamespaceSession, lastCourseKey(userID))
}

// SetLastCourse remembers the user's current course.
func (s *Store) SetLastCourse(ctx context.Context, userID, courseID string) error {
	return s.Set(ctx, NamespaceSession, lastCourseKey(userID), courseID)
}
