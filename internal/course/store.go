package course

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a course does not exist.
var ErrNotFound = errors.New("course not found")

// Store persists courses and their nodes in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a course store on an open database, creating the
// schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate courses: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS courses (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS course_nodes (
			id                   TEXT PRIMARY KEY,
			course_id            TEXT NOT NULL,
			parent_id            TEXT,
			node_type            TEXT NOT NULL,
			leaf_type            TEXT NOT NULL DEFAULT '',
			title                TEXT NOT NULL,
			description          TEXT NOT NULL DEFAULT '',
			order_index          INTEGER NOT NULL,
			reading_text_regular TEXT NOT NULL DEFAULT '',
			reading_text_short   TEXT NOT NULL DEFAULT '',
			reading_text_long    TEXT NOT NULL DEFAULT '',
			quiz_questions_json  TEXT,
			created_at           TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_course_nodes_course
			ON course_nodes(course_id, order_index);
	`)
	return err
}

// SaveCourse inserts or updates a course together with its full node
// list. Nodes previously stored for the course but absent from nodes
// are removed.
func (s *Store) SaveCourse(ctx context.Context, c *Course, nodes []Node) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO courses (id, user_id, title, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = excluded.user_id, title = excluded.title,
		     description = excluded.description, updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.Title, c.Description,
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save course %s: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM course_nodes WHERE course_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear nodes of %s: %w", c.ID, err)
	}

	for _, n := range nodes {
		if n.CourseID == "" {
			n.CourseID = c.ID
		}
		if n.CourseID != c.ID {
			return fmt.Errorf("node %s belongs to course %s, not %s", n.ID, n.CourseID, c.ID)
		}
		if n.Kind != Container && n.Kind != Leaf {
			return fmt.Errorf("node %s has unknown node_type %q", n.ID, n.Kind)
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}

		var quiz []byte
		if len(n.QuizQuestions) > 0 {
			quiz, err = json.Marshal(n.QuizQuestions)
			if err != nil {
				return fmt.Errorf("marshal quiz questions of %s: %w", n.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO course_nodes (id, course_id, parent_id, node_type, leaf_type, title,
			   description, order_index, reading_text_regular, reading_text_short,
			   reading_text_long, quiz_questions_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.CourseID, nullString(n.ParentID), string(n.Kind), n.LeafType, n.Title,
			n.Description, n.OrderIndex, n.ReadingTextRegular, n.ReadingTextShort,
			n.ReadingTextLong, nullBytes(quiz), n.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}

	return tx.Commit()
}

// Course returns a course by id, or ErrNotFound.
func (s *Store) Course(ctx context.Context, id string) (*Course, error) {
	var c Course
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, created_at, updated_at
		 FROM courses WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course %s: %w", id, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &c, nil
}

// Courses lists a user's courses by title.
func (s *Store) Courses(ctx context.Context, userID string) ([]Course, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, created_at, updated_at
		 FROM courses WHERE user_id = ? ORDER BY title`, userID)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var out []Course
	for rows.Next() {
		var c Course
		var created, updated string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Nodes returns the flat node list of a course ordered by order_index.
func (s *Store) Nodes(ctx context.Context, courseID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, parent_id, node_type, leaf_type, title, description,
		        order_index, reading_text_regular, reading_text_short, reading_text_long,
		        quiz_questions_json, created_at
		 FROM course_nodes WHERE course_id = ? ORDER BY order_index, rowid`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", courseID, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var (
			n       Node
			parent  sql.NullString
			kind    string
			quiz    sql.NullString
			created string
		)
		if err := rows.Scan(&n.ID, &n.CourseID, &parent, &kind, &n.LeafType, &n.Title,
			&n.Description, &n.OrderIndex, &n.ReadingTextRegular, &n.ReadingTextShort,
			&n.ReadingTextLong, &quiz, &created); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.ParentID = parent.String
		n.Kind = Kind(kind)
		if quiz.Valid && quiz.String != "" {
			if err := json.Unmarshal([]byte(quiz.String), &n.QuizQuestions); err != nil {
				return nil, fmt.Errorf("decode quiz questions of %s: %w", n.ID, err)
			}
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Tree fetches a course's nodes and builds its tree.
func (s *Store) Tree(ctx context.Context, courseID string) (*Tree, error) {
	nodes, err := s.Nodes(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return FromNodes(nodes), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
