package tree

import "phab-go/internal/conduit"

type NodeKind string

const (
	// KindTask is a normal, fully expanded task node.
	KindTask NodeKind = "task"
	// KindCycle marks an id already materialized elsewhere in the tree;
	// it is terminal and never expanded.
	KindCycle NodeKind = "cycle"
	// KindError records a child whose resolution failed under the
	// best-effort policy.
	KindError NodeKind = "error"
)

type Node struct {
	ID       string       `json:"id"`
	Kind     NodeKind     `json:"kind"`
	Depth    int          `json:"depth"`
	Task     *conduit.Task `json:"task,omitempty"`
	ErrKind  conduit.Kind `json:"error_kind,omitempty"`
	ErrMsg   string       `json:"error,omitempty"`
	Children []*Node      `json:"children,omitempty"`
}

// Tree is the assembled result: the root node plus the set of ids that were
// materialized as task nodes during the build.
type Tree struct {
	Root    *Node
	visited map[string]struct{}
}

// Size reports how many distinct tasks were materialized.
func (t *Tree) Size() int { return len(t.visited) }

// Seen reports whether id was materialized as a task node.
func (t *Tree) Seen(id string) bool {
	_, ok := t.visited[conduit.CleanID(id)]
	return ok
}

// Walk visits every node in stable pre-order: parent before children,
// children in parent-declared order. Renderers rely on this.
func (t *Tree) Walk(fn func(*Node)) {
	if t == nil || t.Root == nil {
		return
	}
	walk(t.Root, fn)
}

func walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		walk(c, fn)
	}
}
