// Package formula validates and evaluates quest formulas.
//
// A formula is a flat sequence of nodes referencing children by id. The first
// node is the root. Leaves are missions whose results are recorded elsewhere;
// evaluation only reads those recorded booleans and never calls a handler.
package formula

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/domain"
)

var (
	ErrEmpty = errors.New("formula input empty")
)

// StructuralError reports a malformed tree.
type StructuralError struct {
	NodeID  uint32
	Message string
}

func (e *StructuralError) Error() string {
	if e.NodeID == 0 {
		return "malformed formula: " + e.Message
	}
	return fmt.Sprintf("malformed formula at node %d: %s", e.NodeID, e.Message)
}

// IsStructural reports whether err is a *StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// Tree is an arena view over a node sequence: id -> position.
type Tree struct {
	nodes []domain.FormulaNode
	index map[uint32]int
}

// New indexes nodes without validating them. Duplicate ids keep the first
// occurrence; Validate rejects them.
func New(nodes []domain.FormulaNode) Tree {
	idx := make(map[uint32]int, len(nodes))
	for i, n := range nodes {
		if _, ok := idx[n.ID]; !ok {
			idx[n.ID] = i
		}
	}
	return Tree{nodes: nodes, index: idx}
}

func (t Tree) Len() int { return len(t.nodes) }

// Root returns the first node.
func (t Tree) Root() (domain.FormulaNode, bool) {
	if len(t.nodes) == 0 {
		return domain.FormulaNode{}, false
	}
	return t.nodes[0], true
}

func (t Tree) Node(id uint32) (domain.FormulaNode, bool) {
	if id == 0 {
		return domain.FormulaNode{}, false
	}
	i, ok := t.index[id]
	if !ok {
		return domain.FormulaNode{}, false
	}
	return t.nodes[i], true
}

// Leaves returns mission nodes in sequence order.
func (t Tree) Leaves() []domain.FormulaNode {
	var out []domain.FormulaNode
	for _, n := range t.nodes {
		if n.Leaf {
			out = append(out, n)
		}
	}
	return out
}

// Validate performs the construction-time checks. It runs once whenever a
// formula is created or replaced.
func Validate(nodes []domain.FormulaNode) error {
	if len(nodes) == 0 {
		return ErrEmpty
	}
	seen := make(map[uint32]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == 0 {
			return &StructuralError{Message: "node id 0 is reserved"}
		}
		if _, dup := seen[n.ID]; dup {
			return &StructuralError{NodeID: n.ID, Message: "duplicate node id"}
		}
		seen[n.ID] = struct{}{}
	}
	t := New(nodes)
	for _, n := range nodes {
		if n.Leaf {
			if n.Left != 0 || n.Right != 0 {
				return &StructuralError{NodeID: n.ID, Message: "mission node has children"}
			}
			if n.Handler == (common.Address{}) {
				return &StructuralError{NodeID: n.ID, Message: "mission node has no handler"}
			}
			continue
		}
		if n.Operator != domain.OpAnd && n.Operator != domain.OpOr {
			return &StructuralError{NodeID: n.ID, Message: fmt.Sprintf("unknown operator %d", uint8(n.Operator))}
		}
		if n.Left == 0 || n.Right == 0 {
			return &StructuralError{NodeID: n.ID, Message: "operator node missing child"}
		}
		for _, c := range []uint32{n.Left, n.Right} {
			if _, ok := t.Node(c); !ok {
				return &StructuralError{NodeID: n.ID, Message: fmt.Sprintf("child %d does not exist", c)}
			}
		}
	}
	return t.checkTree()
}

// checkTree walks from the root and requires every node to be reached exactly
// once. A node on the current path reached again is a cycle, any other repeat
// is a shared sub-tree, and a node never reached is an orphan.
func (t Tree) checkTree() error {
	root, _ := t.Root()
	visited := make(map[uint32]bool, len(t.nodes))
	onPath := make(map[uint32]bool, len(t.nodes))
	var walk func(id uint32) error
	walk = func(id uint32) error {
		if onPath[id] {
			return &StructuralError{NodeID: id, Message: "cycle detected"}
		}
		if visited[id] {
			return &StructuralError{NodeID: id, Message: "node shared by more than one parent"}
		}
		n, ok := t.Node(id)
		if !ok {
			return &StructuralError{NodeID: id, Message: "unknown node"}
		}
		visited[id] = true
		if n.Leaf {
			return nil
		}
		onPath[id] = true
		defer delete(onPath, id)
		if err := walk(n.Left); err != nil {
			return err
		}
		return walk(n.Right)
	}
	if err := walk(root.ID); err != nil {
		return err
	}
	for _, n := range t.nodes {
		if !visited[n.ID] {
			return &StructuralError{NodeID: n.ID, Message: "node unreachable from root"}
		}
	}
	return nil
}

// Evaluate computes the formula over recorded mission results. Missing entries
// count as false.
func Evaluate(nodes []domain.FormulaNode, missions map[uint32]bool) (bool, error) {
	return New(nodes).Eval(missions)
}

// Eval evaluates the indexed tree; see Evaluate. Each node is visited at most
// once, so a graph that is not a tree fails instead of being re-walked.
func (t Tree) Eval(missions map[uint32]bool) (bool, error) {
	root, ok := t.Root()
	if !ok {
		return false, ErrEmpty
	}
	return t.eval(root.ID, missions, make(map[uint32]bool, len(t.nodes)))
}

func (t Tree) eval(id uint32, missions map[uint32]bool, visited map[uint32]bool) (bool, error) {
	if id == 0 {
		return false, nil
	}
	if visited[id] {
		return false, &StructuralError{NodeID: id, Message: "node reached twice"}
	}
	visited[id] = true
	n, ok := t.Node(id)
	if !ok {
		return false, &StructuralError{NodeID: id, Message: "unknown node"}
	}
	if n.Leaf {
		return missions[n.ID], nil
	}
	left, err := t.eval(n.Left, missions, visited)
	if err != nil {
		return false, err
	}
	switch n.Operator {
	case domain.OpAnd:
		if !left {
			return false, nil
		}
	case domain.OpOr:
		if left {
			return true, nil
		}
	default:
		return false, &StructuralError{NodeID: n.ID, Message: fmt.Sprintf("unknown operator %d", uint8(n.Operator))}
	}
	return t.eval(n.Right, missions, visited)
}
