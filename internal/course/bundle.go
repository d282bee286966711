package course

import (
	"encoding/json"
	"fmt"
	"io"
)

// Bundle is the JSON document accepted by "vemorize import": a course
// and its flat node list.
type Bundle struct {
	Course Course `json:"course"`
	Nodes  []Node `json:"nodes"`
}

// ReadBundle decodes and validates a bundle.
func ReadBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode course bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks ids, node kinds and parent references.
func (b *Bundle) Validate() error {
	if b.Course.ID == "" {
		return fmt.Errorf("course id is required")
	}
	if b.Course.Title == "" {
		return fmt.Errorf("course %s: title is required", b.Course.ID)
	}

	ids := make(map[string]bool, len(b.Nodes))
	roots := 0
	for _, n := range b.Nodes {
		if n.ID == "" {
			return fmt.Errorf("course %s: node without id", b.Course.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("course %s: duplicate node id %s", b.Course.ID, n.ID)
		}
		ids[n.ID] = true
		if n.Kind != Container && n.Kind != Leaf {
			return fmt.Errorf("node %s: unknown node_type %q", n.ID, n.Kind)
		}
		if n.CourseID != "" && n.CourseID != b.Course.ID {
			return fmt.Errorf("node %s: course_id %s does not match %s", n.ID, n.CourseID, b.Course.ID)
		}
		if n.ParentID == "" {
			roots++
		}
	}
	if len(b.Nodes) > 0 && roots == 0 {
		return fmt.Errorf("course %s: no root node", b.Course.ID)
	}
	for _, n := range b.Nodes {
		if n.ParentID != "" && !ids[n.ParentID] {
			return fmt.Errorf("node %s: unknown parent %s", n.ID, n.ParentID)
		}
	}
	return nil
}
