package predicate

import (
	"strconv"
	"strings"
)

// An Expr is a parsed rule expression as delivered by the configuration
// loader: either a call (operator name plus ordered argument expressions)
// or a literal value. Exprs are plain trees; sharing and deduplication
// happen when an Expr is inserted into a MergeGraph.
type Expr struct {
	// Operator name. Empty for literals.
	Op string

	// Literal value; only meaningful when Op is empty.
	Lit Value

	// Ordered argument expressions for a call.
	Args []*Expr
}

// NewCall builds a call expression.
func NewCall(op string, args ...*Expr) *Expr {
	return &Expr{Op: op, Args: args}
}

// NewLiteral builds a literal expression.
func NewLiteral(v Value) *Expr {
	return &Expr{Lit: v}
}

// StringLiteral is shorthand for a string literal expression.
func StringLiteral(s string) *Expr { return NewLiteral(StringValue(s)) }

// BoolLiteral is shorthand for a boolean literal expression.
func BoolLiteral(b bool) *Expr { return NewLiteral(BoolValue(b)) }

// A Node is a single vertex of a MergeGraph: a call with ordered operands,
// or a literal. Node identity is structural; the graph guarantees that two
// structurally identical subtrees are the same *Node.
//
// A Node's structure is immutable once published into a graph, except
// through MergeGraph.Replace. The offered marker records whether the node
// has already been given a chance to rewrite itself during the current
// transform pass.
type Node struct {
	op       string
	lit      Value
	operands []*Node
	call     Call

	// id is assigned when the node joins a graph; 0 means detached.
	id int

	// offered is the transform-history marker for the current pass.
	offered bool
}

// Op returns the operator name, or the empty string for a literal.
func (n *Node) Op() string { return n.op }

// IsLiteral reports whether the node is a literal vertex.
func (n *Node) IsLiteral() bool { return n.op == "" }

// Literal returns the node's literal value. Only meaningful for literals.
func (n *Node) Literal() Value { return n.lit }

// Operands returns the node's ordered operand list. Callers must not
// modify the returned slice.
func (n *Node) Operands() []*Node { return n.operands }

// Call returns the operator capability backing the node, or nil for a
// literal.
func (n *Node) Call() Call { return n.call }

// Literal builds a detached literal node, for use as a transform
// replacement or as an operand to CallFactory.New. It joins a graph (and
// is deduplicated) when passed to MergeGraph.Replace or AddRoot.
func Literal(v Value) *Node {
	return &Node{lit: v}
}

// String renders the subtree rooted at the node as an s-expression, e.g.
// (and (streq (header "X") "attack") true).
func (n *Node) String() string {
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	if n.IsLiteral() {
		b.WriteString(n.lit.String())
		return
	}
	b.WriteByte('(')
	b.WriteString(n.op)
	for _, o := range n.operands {
		b.WriteByte(' ')
		o.render(b)
	}
	b.WriteByte(')')
}

// structuralKey returns the content-addressing key for the node. Operand
// identity is encoded by graph id, so operands must already be resident in
// the graph when the key is computed.
func (n *Node) structuralKey() string {
	if n.IsLiteral() {
		return "=" + n.lit.Kind.String() + ":" + n.lit.String()
	}
	var b strings.Builder
	b.WriteString(n.op)
	b.WriteByte('(')
	for i, o := range n.operands {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(o.id))
	}
	b.WriteByte(')')
	return b.String()
}
