package course

import "sort"

// Tree is a course built from a flat node list. Nodes are kept sorted
// by OrderIndex; the leaf sequence is every leaf in that order.
type Tree struct {
	root   *Node
	nodes  []*Node
	leaves []*Node
	index  map[string]int // leaf id -> position in leaves
}

// FromNodes builds a tree. The root is the first node without a
// parent, in input order. Ties in OrderIndex keep input order. An empty
// list yields an empty tree with no root.
func FromNodes(nodes []Node) *Tree {
	t := &Tree{index: make(map[string]int)}

	for i := range nodes {
		n := nodes[i]
		t.nodes = append(t.nodes, &n)
		if t.root == nil && n.ParentID == "" {
			t.root = t.nodes[len(t.nodes)-1]
		}
	}

	sort.SliceStable(t.nodes, func(i, j int) bool {
		return t.nodes[i].OrderIndex < t.nodes[j].OrderIndex
	})

	for _, n := range t.nodes {
		if n.IsLeaf() {
			t.index[n.ID] = len(t.leaves)
			t.leaves = append(t.leaves, n)
		}
	}
	return t
}

// Root returns the root node, or nil for an empty tree.
func (t *Tree) Root() *Node { return t.root }

// Nodes returns every node sorted by OrderIndex.
func (t *Tree) Nodes() []*Node { return t.nodes }

// Leaves returns the leaf sequence.
func (t *Tree) Leaves() []*Node { return t.leaves }

// Children returns the direct children of a node in order.
func (t *Tree) Children(parentID string) []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if n.ParentID == parentID && parentID != "" {
			out = append(out, n)
		}
	}
	return out
}

// FirstLeaf returns the first leaf, or nil when the tree has none.
func (t *Tree) FirstLeaf() *Node {
	if len(t.leaves) == 0 {
		return nil
	}
	return t.leaves[0]
}

// LeafByID returns the leaf with the given id, or nil when absent or
// when the id names a container.
func (t *Tree) LeafByID(id string) *Node {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.leaves[i]
}

// LeafPosition returns the zero-based position of a leaf in the
// sequence, or -1 when absent.
func (t *Tree) LeafPosition(id string) int {
	if i, ok := t.index[id]; ok {
		return i
	}
	return -1
}

// StepBy returns the leaf delta positions away from currentLeafID. It
// returns nil when the current id is not a leaf of this tree or when the
// target falls outside the sequence; stepping never wraps.
func (t *Tree) StepBy(currentLeafID string, delta int) *Node {
	i, ok := t.index[currentLeafID]
	if !ok {
		return nil
	}
	target := i + delta
	if target < 0 || target >= len(t.leaves) {
		return nil
	}
	return t.leaves[target]
}
