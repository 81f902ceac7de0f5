package predicate

import (
	"fmt"
	"strings"
)

// RegisterBuiltins registers the standard operator set into the factory:
// boolean combinators (and, or, not), string predicates (streq, contains),
// the scalar-transform application operator (t), and the phase-sensitive
// field leaves (header, param, resheader).
func RegisterBuiltins(fc *CallFactory) error {
	calls := []Call{
		andCall{},
		orCall{},
		notCall{},
		streqCall{},
		containsCall{},
		tCall{},
		fieldCall{name: "header", phase: PhaseReqHeaders},
		fieldCall{name: "param", phase: PhaseReqBody},
		fieldCall{name: "resheader", phase: PhaseResHeaders},
	}
	for _, c := range calls {
		if err := fc.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func atLeast(min int, operands []*Node) error {
	if len(operands) < min {
		return fmt.Errorf("%w: need at least %d operands, got %d", ErrArity, min, len(operands))
	}
	return nil
}

func exactly(want int, operands []*Node) error {
	if len(operands) != want {
		return fmt.Errorf("%w: need exactly %d operands, got %d", ErrArity, want, len(operands))
	}
	return nil
}

// literalName checks that the operand at index i is a string literal, as
// required by operators that take a name rather than a value.
func literalName(operands []*Node, i int) error {
	if operands[i].IsLiteral() && operands[i].Literal().Kind == KindString {
		return nil
	}
	return fmt.Errorf("%w: operand %d must be a string literal", ErrOperand, i+1)
}

// ---------------------------------------------------------- boolean combinators

type andCall struct{}

func (andCall) Name() string                    { return "and" }
func (andCall) Validate(operands []*Node) error { return atLeast(1, operands) }

func (andCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	for i := range n.Operands() {
		if !ev.OperandValue(n, i).Truthy() {
			return BoolValue(false), nil
		}
	}
	return BoolValue(true), nil
}

// and(true, X) -> X; and(false, ...) -> false; and(X) -> X.
func (andCall) Transform(fc *CallFactory, rep *NodeReporter, n *Node) *Node {
	return foldCombinator(fc, rep, n, true)
}

type orCall struct{}

func (orCall) Name() string                    { return "or" }
func (orCall) Validate(operands []*Node) error { return atLeast(1, operands) }

func (orCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	for i := range n.Operands() {
		if ev.OperandValue(n, i).Truthy() {
			return BoolValue(true), nil
		}
	}
	return BoolValue(false), nil
}

// or(false, X) -> X; or(true, ...) -> true; or(X) -> X.
func (orCall) Transform(fc *CallFactory, rep *NodeReporter, n *Node) *Node {
	return foldCombinator(fc, rep, n, false)
}

// foldCombinator removes literal operands that are the combinator's
// identity and short-circuits on its absorbing element. identity is true
// for and, false for or.
func foldCombinator(fc *CallFactory, rep *NodeReporter, n *Node, identity bool) *Node {
	kept := make([]*Node, 0, len(n.Operands()))
	changed := false
	for _, o := range n.Operands() {
		if o.IsLiteral() {
			if o.Literal().Truthy() != identity {
				// Absorbing element: the whole call collapses.
				return Literal(BoolValue(!identity))
			}
			changed = true
			continue
		}
		kept = append(kept, o)
	}
	if !changed && len(kept) > 1 {
		return nil
	}
	switch len(kept) {
	case 0:
		return Literal(BoolValue(identity))
	case 1:
		return kept[0]
	default:
		repl, err := fc.New(n.Op(), kept...)
		if err != nil {
			rep.Error("rebuilding %s with folded operands: %v", n.Op(), err)
			return nil
		}
		return repl
	}
}

type notCall struct{}

func (notCall) Name() string                    { return "not" }
func (notCall) Validate(operands []*Node) error { return exactly(1, operands) }

func (notCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	return BoolValue(!ev.OperandValue(n, 0).Truthy()), nil
}

// not(lit) -> !lit; not(not(X)) -> X.
func (notCall) Transform(fc *CallFactory, rep *NodeReporter, n *Node) *Node {
	o := n.Operands()[0]
	if o.IsLiteral() {
		return Literal(BoolValue(!o.Literal().Truthy()))
	}
	if o.Op() == "not" {
		return o.Operands()[0]
	}
	return nil
}

// ---------------------------------------------------------- string predicates

func streqValue(a, b Value) Value {
	if a.Kind == KindString && b.Kind == KindString {
		return BoolValue(a.Str == b.Str)
	}
	return BoolValue(a.Kind != KindNull && a.Equal(b))
}

type streqCall struct{}

func (streqCall) Name() string                    { return "streq" }
func (streqCall) Validate(operands []*Node) error { return exactly(2, operands) }

func (streqCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	return streqValue(ev.OperandValue(n, 0), ev.OperandValue(n, 1)), nil
}

func (streqCall) Transform(fc *CallFactory, rep *NodeReporter, n *Node) *Node {
	return foldBinaryLiteral(n, streqValue)
}

func containsValue(a, b Value) Value {
	if a.Kind == KindString && b.Kind == KindString {
		return BoolValue(strings.Contains(a.Str, b.Str))
	}
	return BoolValue(false)
}

type containsCall struct{}

func (containsCall) Name() string                    { return "contains" }
func (containsCall) Validate(operands []*Node) error { return exactly(2, operands) }

func (containsCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	return containsValue(ev.OperandValue(n, 0), ev.OperandValue(n, 1)), nil
}

func (containsCall) Transform(fc *CallFactory, rep *NodeReporter, n *Node) *Node {
	return foldBinaryLiteral(n, containsValue)
}

// foldBinaryLiteral folds a pure binary predicate whose operands are both
// literals into a literal, using the same function evaluation uses.
func foldBinaryLiteral(n *Node, f func(a, b Value) Value) *Node {
	a, b := n.Operands()[0], n.Operands()[1]
	if !a.IsLiteral() || !b.IsLiteral() {
		return nil
	}
	return Literal(f(a.Literal(), b.Literal()))
}

// ---------------------------------------------------------- scalar transforms

// tCall applies a comma-separated list of named scalar transforms to its
// second operand, left to right: t("lowercase,trim", header("X")).
type tCall struct{}

func (tCall) Name() string { return "t" }

func (tCall) Validate(operands []*Node) error {
	if err := exactly(2, operands); err != nil {
		return err
	}
	return literalName(operands, 0)
}

func (tCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	names := n.Operands()[0].Literal().Str
	return ev.ApplyTransforms(n, names, ev.OperandValue(n, 1)), nil
}

// transformerCall exposes one registered transformer as a unary operator,
// so rules can write lowercase(header("X")) instead of t("lowercase", ...).
type transformerCall struct {
	name string
}

func (c transformerCall) Name() string                    { return c.name }
func (c transformerCall) Validate(operands []*Node) error { return exactly(1, operands) }

func (c transformerCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	return ev.ApplyTransforms(n, c.name, ev.OperandValue(n, 0)), nil
}

// ---------------------------------------------------------- field leaves

// fieldCall is a phase-sensitive leaf reading a named transaction field.
// A phase may be delivered in several Advance calls, so an absent field
// keeps the leaf pending until the phase's field set can no longer grow;
// only then does it go final null. A missing field is never an error.
type fieldCall struct {
	name  string
	phase Phase
}

func (c fieldCall) Name() string { return c.name }
func (c fieldCall) Phase() Phase { return c.phase }

func (c fieldCall) Validate(operands []*Node) error {
	if err := exactly(1, operands); err != nil {
		return err
	}
	return literalName(operands, 0)
}

func (c fieldCall) Eval(ev *Evaluation, n *Node) (Value, error) {
	v, ok := ev.Field(c.phase, n.Operands()[0].Literal().Str)
	if !ok {
		if !ev.PhaseComplete(c.phase) {
			return Null(), ErrPending
		}
		return Null(), nil
	}
	return v, nil
}
