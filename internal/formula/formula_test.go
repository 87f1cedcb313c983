package formula

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/domain"
)

var handler = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func leaf(id uint32) domain.FormulaNode {
	return domain.FormulaNode{ID: id, Leaf: true, Handler: handler}
}

func op(id uint32, o domain.Operator, l, r uint32) domain.FormulaNode {
	return domain.FormulaNode{ID: id, Operator: o, Left: l, Right: r}
}

// expr is a pointer tree used as the reference interpretation.
type expr struct {
	leaf        bool
	id          uint32
	op          domain.Operator
	left, right *expr
}

func (e *expr) eval(m map[uint32]bool) bool {
	if e.leaf {
		return m[e.id]
	}
	l, r := e.left.eval(m), e.right.eval(m)
	if e.op == domain.OpAnd {
		return l && r
	}
	return l || r
}

func randomExpr(rng *rand.Rand, depth, maxDepth int, next *uint32) *expr {
	*next++
	e := &expr{id: *next}
	if depth == maxDepth || rng.Intn(3) == 0 {
		e.leaf = true
		return e
	}
	e.op = domain.Operator(rng.Intn(2))
	e.left = randomExpr(rng, depth+1, maxDepth, next)
	e.right = randomExpr(rng, depth+1, maxDepth, next)
	return e
}

func flatten(e *expr, out []domain.FormulaNode) []domain.FormulaNode {
	if e.leaf {
		return append(out, leaf(e.id))
	}
	out = append(out, op(e.id, e.op, e.left.id, e.right.id))
	out = flatten(e.left, out)
	return flatten(e.right, out)
}

func TestEvaluateMatchesTruthTable(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		var next uint32
		root := randomExpr(rng, 0, 1+rng.Intn(10), &next)
		nodes := flatten(root, nil)
		require.LessOrEqual(t, len(nodes), 4096)
		// order of non-root nodes is irrelevant
		rest := nodes[1:]
		rng.Shuffle(len(rest), func(a, b int) { rest[a], rest[b] = rest[b], rest[a] })

		require.NoError(t, Validate(nodes))
		for j := 0; j < 8; j++ {
			m := map[uint32]bool{}
			for _, n := range nodes {
				if n.Leaf && rng.Intn(2) == 0 {
					m[n.ID] = true
				}
			}
			got, err := Evaluate(nodes, m)
			require.NoError(t, err)
			assert.Equal(t, root.eval(m), got, "tree %d assignment %d", i, j)
		}
	}
}

func TestEvaluateDeepChain(t *testing.T) {
	// left-leaning AND chain of 2047 operators over 2048 leaves
	var nodes []domain.FormulaNode
	const ops = 2047
	for i := uint32(1); i <= ops; i++ {
		left := i + 1
		if i == ops {
			left = ops + 1
		}
		nodes = append(nodes, op(i, domain.OpAnd, left, ops+1+i))
	}
	for i := uint32(ops + 1); i <= 2*ops+1; i++ {
		nodes = append(nodes, leaf(i))
	}
	require.LessOrEqual(t, len(nodes), 4096)
	require.NoError(t, Validate(nodes))

	all := map[uint32]bool{}
	for i := uint32(ops + 1); i <= 2*ops+1; i++ {
		all[i] = true
	}
	ok, err := Evaluate(nodes, all)
	require.NoError(t, err)
	assert.True(t, ok)

	delete(all, 2*ops+1)
	ok, err = Evaluate(nodes, all)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateNeverValidatedLeafIsFalse(t *testing.T) {
	ok, err := Evaluate([]domain.FormulaNode{leaf(1)}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateOr(t *testing.T) {
	nodes := []domain.FormulaNode{op(1, domain.OpOr, 2, 3), leaf(2), leaf(3)}
	ok, err := Evaluate(nodes, map[uint32]bool{2: false, 3: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateZeroChildIsFalse(t *testing.T) {
	// malformed at construction, but the evaluator must not dereference id 0
	nodes := []domain.FormulaNode{op(1, domain.OpOr, 2, 0), leaf(2)}
	ok, err := Evaluate(nodes, map[uint32]bool{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Evaluate(nodes, map[uint32]bool{2: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateUnknownChild(t *testing.T) {
	nodes := []domain.FormulaNode{op(1, domain.OpAnd, 2, 9), leaf(2)}
	_, err := Evaluate(nodes, map[uint32]bool{2: true})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
}

func TestEvaluateCycleGuard(t *testing.T) {
	nodes := []domain.FormulaNode{op(1, domain.OpAnd, 2, 3), op(2, domain.OpAnd, 1, 3), leaf(3)}
	_, err := Evaluate(nodes, map[uint32]bool{3: true})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		nodes []domain.FormulaNode
		ok    bool
	}{
		{"single leaf", []domain.FormulaNode{leaf(1)}, true},
		{"nested", []domain.FormulaNode{
			op(1, domain.OpOr, 2, 3), op(2, domain.OpAnd, 4, 5), op(3, domain.OpOr, 6, 7),
			leaf(4), leaf(5), leaf(6), leaf(7),
		}, true},
		{"empty", nil, false},
		{"zero id", []domain.FormulaNode{{ID: 0, Leaf: true, Handler: handler}}, false},
		{"duplicate id", []domain.FormulaNode{op(1, domain.OpOr, 2, 2), leaf(2), leaf(2)}, false},
		{"missing child", []domain.FormulaNode{op(1, domain.OpOr, 2, 0), leaf(2)}, false},
		{"unknown child", []domain.FormulaNode{op(1, domain.OpOr, 2, 8), leaf(2)}, false},
		{"leaf with children", []domain.FormulaNode{{ID: 1, Leaf: true, Handler: handler, Left: 2}, leaf(2)}, false},
		{"leaf without handler", []domain.FormulaNode{{ID: 1, Leaf: true}}, false},
		{"bad operator", []domain.FormulaNode{op(1, domain.Operator(7), 2, 3), leaf(2), leaf(3)}, false},
		{"cycle", []domain.FormulaNode{op(1, domain.OpAnd, 2, 3), op(2, domain.OpOr, 3, 1), leaf(3)}, false},
		{"self loop", []domain.FormulaNode{op(1, domain.OpAnd, 1, 2), leaf(2)}, false},
		{"shared leaf", []domain.FormulaNode{op(1, domain.OpAnd, 2, 2), leaf(2)}, false},
		{"diamond", []domain.FormulaNode{
			op(1, domain.OpAnd, 2, 3), op(2, domain.OpOr, 4, 5), op(3, domain.OpOr, 4, 6),
			leaf(4), leaf(5), leaf(6),
		}, false},
		{"shared operator", []domain.FormulaNode{
			op(1, domain.OpOr, 2, 3), op(2, domain.OpAnd, 4, 5), op(3, domain.OpAnd, 2, 6),
			leaf(4), leaf(5), leaf(6),
		}, false},
		{"orphan leaf", []domain.FormulaNode{leaf(1), leaf(2)}, false},
		{"orphan subtree", []domain.FormulaNode{
			op(1, domain.OpOr, 2, 3), leaf(2), leaf(3),
			op(4, domain.OpAnd, 5, 6), leaf(5), leaf(6),
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.nodes)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
		})
	}
}

// sharedChain links node i to node i+1 through both children, so a walk that
// does not remember visited nodes doubles its work per level.
func sharedChain(n uint32) []domain.FormulaNode {
	nodes := make([]domain.FormulaNode, 0, n)
	for i := uint32(1); i < n; i++ {
		nodes = append(nodes, op(i, domain.OpAnd, i+1, i+1))
	}
	return append(nodes, leaf(n))
}

func TestValidateRejectsSharedChainQuickly(t *testing.T) {
	nodes := sharedChain(64)
	start := time.Now()
	err := Validate(nodes)
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.Contains(t, err.Error(), "shared")
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvaluateSharedChainFailsQuickly(t *testing.T) {
	nodes := sharedChain(64)
	start := time.Now()
	_, err := Evaluate(nodes, map[uint32]bool{64: true})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestValidateOrphanNamesNode(t *testing.T) {
	err := Validate([]domain.FormulaNode{op(1, domain.OpOr, 2, 3), leaf(2), leaf(3), leaf(9)})
	require.Error(t, err)
	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(9), se.NodeID)
}

func TestLeaves(t *testing.T) {
	tree := New([]domain.FormulaNode{op(1, domain.OpOr, 3, 2), leaf(3), leaf(2)})
	leaves := tree.Leaves()
	require.Len(t, leaves, 2)
	assert.Equal(t, uint32(3), leaves[0].ID)
	assert.Equal(t, uint32(2), leaves[1].ID)
	_, ok := tree.Node(0)
	assert.False(t, ok)
}
