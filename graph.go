package predicate

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var (
	// ErrFrozen is returned when a mutating operation is attempted on a
	// graph that has been published for evaluation.
	ErrFrozen = errors.New("graph is frozen")

	// ErrCycle is returned when a replacement would make a node
	// reachable from itself.
	ErrCycle = errors.New("replacement would create a cycle")

	// ErrDuplicateRoot is returned when a root name is re-registered
	// with a different expression structure.
	ErrDuplicateRoot = errors.New("root already registered with different structure")

	// ErrNotInGraph is returned when an operation names a node the
	// graph does not own.
	ErrNotInGraph = errors.New("node is not in the graph")
)

// Root is a named top-level rule expression registered in a graph.
type Root struct {
	Name string
	Node *Node
}

// MergeGraph owns every node reachable from a set of named roots. It
// guarantees that structurally identical subtrees are represented by
// exactly one Node (content addressing), tracks each node's parents so
// subtrees can be replaced in place, and rejects replacements that would
// introduce a cycle.
//
// A MergeGraph is built once per configuration load, mutated only during
// the rewrite phase, then frozen. A frozen graph is immutable and may be
// shared by any number of concurrent Evaluations.
type MergeGraph struct {
	nodes   map[*Node]struct{}
	index   map[string]*Node
	parents map[*Node]map[*Node]struct{}

	roots     map[string]*Node
	rootNames []string

	nextID int
	frozen bool
}

// NewMergeGraph returns an empty graph.
func NewMergeGraph() *MergeGraph {
	return &MergeGraph{
		nodes:   map[*Node]struct{}{},
		index:   map[string]*Node{},
		parents: map[*Node]map[*Node]struct{}{},
		roots:   map[string]*Node{},
		nextID:  1,
	}
}

// AddRoot inserts an expression tree, structurally deduplicated against
// everything already in the graph, and records its top node under name.
// Re-registering a name with an identical structure is a no-op; a
// conflicting structure is ErrDuplicateRoot.
func (g *MergeGraph) AddRoot(name string, e *Expr, fc *CallFactory) (*Node, error) {
	if g.frozen {
		return nil, ErrFrozen
	}
	if name == "" {
		return nil, fmt.Errorf("root name is required")
	}
	if e == nil {
		return nil, fmt.Errorf("root %s: expression is required", name)
	}
	n, err := g.build(e, fc)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", name, err)
	}
	if prev, ok := g.roots[name]; ok {
		if prev == n {
			return n, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRoot, name)
	}
	g.roots[name] = n
	g.rootNames = append(g.rootNames, name)
	return n, nil
}

// build recursively converts a parsed expression into graph nodes,
// deduplicating bottom-up.
func (g *MergeGraph) build(e *Expr, fc *CallFactory) (*Node, error) {
	if e.Op == "" {
		return g.intern(Literal(e.Lit)), nil
	}
	operands := make([]*Node, len(e.Args))
	for i, a := range e.Args {
		o, err := g.build(a, fc)
		if err != nil {
			return nil, err
		}
		operands[i] = o
	}
	n, err := fc.New(e.Op, operands...)
	if err != nil {
		return nil, err
	}
	return g.intern(n), nil
}

// intern adds a detached node whose operands are already graph-resident,
// returning the existing instance if the structure is already present.
func (g *MergeGraph) intern(n *Node) *Node {
	key := n.structuralKey()
	if q, ok := g.index[key]; ok {
		return q
	}
	n.id = g.nextID
	g.nextID++
	g.nodes[n] = struct{}{}
	g.index[key] = n
	for _, o := range n.operands {
		g.addParent(o, n)
	}
	return n
}

// canonicalize merges a detached replacement tree into the graph,
// bottom-up. Nodes already owned by the graph pass through unchanged.
func (g *MergeGraph) canonicalize(n *Node) *Node {
	if _, ok := g.nodes[n]; ok {
		return n
	}
	for i, o := range n.operands {
		n.operands[i] = g.canonicalize(o)
	}
	return g.intern(n)
}

func (g *MergeGraph) addParent(child, parent *Node) {
	s, ok := g.parents[child]
	if !ok {
		s = map[*Node]struct{}{}
		g.parents[child] = s
	}
	s[parent] = struct{}{}
}

// Contains reports whether the graph owns the node.
func (g *MergeGraph) Contains(n *Node) bool {
	_, ok := g.nodes[n]
	return ok
}

// Replace repoints every parent reference to old, including roots, at the
// canonical instance of replacement. If the replacement's structure
// already exists in the graph the existing instance is used; if repointing
// a parent makes it structurally identical to another node, the two are
// merged as well, cascading upward. A replacement from which old is
// reachable is rejected with ErrCycle and the graph is left unchanged.
//
// Replace reports whether any reference was actually repointed; a
// replacement that is, or canonicalizes to, old itself is a no-op.
//
// Nodes left unreferenced by a replacement are not reclaimed; the graph's
// lifetime covers them.
func (g *MergeGraph) Replace(old, replacement *Node) (bool, error) {
	if g.frozen {
		return false, ErrFrozen
	}
	if !g.Contains(old) {
		return false, fmt.Errorf("%w: %s", ErrNotInGraph, old)
	}
	if replacement == nil {
		return false, fmt.Errorf("replacement for %s is nil", old)
	}
	if old == replacement {
		return false, nil
	}
	// Reject cycles before touching any graph state.
	if reachable(replacement, old) {
		return false, fmt.Errorf("%w: %s -> %s", ErrCycle, old, replacement)
	}
	canon := g.canonicalize(replacement)
	if canon == old {
		return false, nil
	}
	g.repoint(old, canon)
	return true, nil
}

// reachable reports whether target can be reached from start by following
// operand edges. start itself does not count.
func reachable(start, target *Node) bool {
	for _, o := range start.operands {
		if o == target || reachable(o, target) {
			return true
		}
	}
	return false
}

// repoint moves every reference to old onto canon, merging any parent
// that becomes structurally identical to an existing node.
func (g *MergeGraph) repoint(old, canon *Node) {
	for _, name := range g.rootNames {
		if g.roots[name] == old {
			g.roots[name] = canon
		}
	}

	ps := make([]*Node, 0, len(g.parents[old]))
	for p := range g.parents[old] {
		ps = append(ps, p)
	}

	// old leaves the content index so later insertions cannot resurrect
	// a replaced structure.
	if g.index[old.structuralKey()] == old {
		delete(g.index, old.structuralKey())
	}

	for _, p := range ps {
		if !g.Contains(p) {
			// Already merged away by an earlier cascade step.
			continue
		}
		oldKey := p.structuralKey()
		if g.index[oldKey] == p {
			delete(g.index, oldKey)
		}
		for i, o := range p.operands {
			if o == old {
				p.operands[i] = canon
			}
		}
		g.addParent(canon, p)
		newKey := p.structuralKey()
		if q, ok := g.index[newKey]; ok && q != p {
			// p now duplicates q; merge p onto q, cascading.
			g.repoint(p, q)
			continue
		}
		g.index[newKey] = p
	}

	for _, o := range old.operands {
		if s, ok := g.parents[o]; ok {
			delete(s, old)
		}
	}
	delete(g.parents, old)
	delete(g.nodes, old)
}

// ClearTransformRecord clears the "already offered to this pass" marker on
// every node. It must be called between transform passes; a node whose
// marker is still set is silently skipped by the next pass.
func (g *MergeGraph) ClearTransformRecord() {
	for n := range g.nodes {
		n.offered = false
	}
}

// Roots returns the named top-level expressions in registration order.
func (g *MergeGraph) Roots() []Root {
	rs := make([]Root, 0, len(g.rootNames))
	for _, name := range g.rootNames {
		rs = append(rs, Root{Name: name, Node: g.roots[name]})
	}
	return rs
}

// Root returns the node registered under name.
func (g *MergeGraph) Root(name string) (*Node, bool) {
	n, ok := g.roots[name]
	return n, ok
}

// Freeze publishes the graph for read-only concurrent use. Mutating
// operations fail afterwards.
func (g *MergeGraph) Freeze() { g.frozen = true }

// Frozen reports whether the graph has been published.
func (g *MergeGraph) Frozen() bool { return g.frozen }

// NodeCount returns the number of distinct nodes reachable from the roots.
func (g *MergeGraph) NodeCount() int {
	seen := map[*Node]struct{}{}
	for _, name := range g.rootNames {
		countReachable(g.roots[name], seen)
	}
	return len(seen)
}

func countReachable(n *Node, seen map[*Node]struct{}) {
	if _, ok := seen[n]; ok {
		return
	}
	seen[n] = struct{}{}
	for _, o := range n.operands {
		countReachable(o, seen)
	}
}

// Stats returns a one-line human-readable summary of the graph.
func (g *MergeGraph) Stats() string {
	return fmt.Sprintf("%s roots, %s reachable nodes, %s in arena",
		humanize.Comma(int64(len(g.rootNames))),
		humanize.Comma(int64(g.NodeCount())),
		humanize.Comma(int64(len(g.nodes))))
}

// String renders the roots and their merged expressions as a table.
func (g *MergeGraph) String() string {
	tw := table.NewWriter()
	tw.SetTitle("\nPREDICATE GRAPH\n")
	tw.AppendHeader(table.Row{"\nRoot", "\nExpression", "Subtree\nNodes"})

	maxWidthOfExpressionColumn := 60
	maxExprLength := 0
	for _, r := range g.Roots() {
		seen := map[*Node]struct{}{}
		countReachable(r.Node, seen)
		expr := r.Node.String()
		if len(expr) > maxExprLength {
			maxExprLength = len(expr)
		}
		tw.AppendRow(table.Row{r.Name, expr, len(seen)})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1},
		{Number: 2, WidthMax: maxWidthOfExpressionColumn},
		{Number: 3},
	})

	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	if maxExprLength > maxWidthOfExpressionColumn {
		style.Options.SeparateRows = true
	}
	tw.SetStyle(style)
	return tw.Render()
}
