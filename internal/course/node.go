// Package course models course content as a tree of container and leaf
// nodes. Leaves carry the pre-rendered reading texts that are read
// aloud; their order defines the navigation space used by the reading
// cursor, independent of how deep the tree is.
package course

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes structural containers from readable leaves.
type Kind string

const (
	Container Kind = "container"
	Leaf      Kind = "leaf"
)

// ReadingLength selects which pre-rendered reading text of a leaf is
// used.
type ReadingLength string

const (
	Short   ReadingLength = "SHORT"
	Regular ReadingLength = "REGULAR"
	Long    ReadingLength = "LONG"
)

// ParseReadingLength accepts short, regular or long in any case. An
// empty string yields Regular.
func ParseReadingLength(s string) (ReadingLength, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(Regular):
		return Regular, nil
	case string(Short):
		return Short, nil
	case string(Long):
		return Long, nil
	}
	return Regular, fmt.Errorf("unknown reading length %q (valid: short, regular, long)", s)
}

// Course is the top-level record a content tree belongs to.
type Course struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Node is one element of a course tree. ParentID is empty for the root.
type Node struct {
	ID                 string    `json:"id"`
	CourseID           string    `json:"course_id"`
	ParentID           string    `json:"parent_id,omitempty"`
	Kind               Kind      `json:"node_type"`
	LeafType           string    `json:"leaf_type,omitempty"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	OrderIndex         int       `json:"order_index"`
	ReadingTextRegular string    `json:"reading_text_regular,omitempty"`
	ReadingTextShort   string    `json:"reading_text_short,omitempty"`
	ReadingTextLong    string    `json:"reading_text_long,omitempty"`
	QuizQuestions      []string  `json:"quiz_questions,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// IsLeaf reports whether the node is a navigable leaf.
func (n *Node) IsLeaf() bool { return n.Kind == Leaf }

// ReadingText returns the reading text variant for the requested
// length. A missing variant is reported with ok=false; it is not an
// error.
func (n *Node) ReadingText(length ReadingLength) (text string, ok bool) {
	if n == nil {
		return "", false
	}
	switch length {
	case Short:
		text = n.ReadingTextShort
	case Long:
		text = n.ReadingTextLong
	default:
		text = n.ReadingTextRegular
	}
	return text, text != ""
}
