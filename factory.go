package predicate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperator is returned when a rule names an operator that
	// was never registered.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrArity is returned when a call is constructed with the wrong
	// number of operands.
	ErrArity = errors.New("wrong operand count")

	// ErrOperand is returned when an operand has the wrong shape for its
	// operator, such as a computed value where a literal name is needed.
	ErrOperand = errors.New("invalid operand")

	// ErrPending is returned by Call.Eval to signal that the node cannot
	// reach a value yet. The node stays pending, without recording an
	// issue, and is re-attempted on a later Advance.
	ErrPending = errors.New("value not yet available")
)

// Call is the capability backing an operator. A Call is registered once in
// a CallFactory at startup and is shared, read-only, by every graph build,
// rewrite pass and evaluation that uses the factory.
type Call interface {
	// Name is the operator name rules use to invoke the call.
	Name() string

	// Validate checks the operand list at construction time. A non-nil
	// error aborts construction of the node.
	Validate(operands []*Node) error

	// Eval computes the node's value for one transaction. It is invoked
	// only when every operand is final and, for phase-dependent calls,
	// the awaited phase has been reached. Returning ErrPending leaves the
	// node pending for a later Advance; any other non-nil error is
	// recorded against the node and the node becomes final null. Once a
	// node is final its Eval is never invoked again.
	Eval(ev *Evaluation, n *Node) (Value, error)
}

// Transformer is implemented by calls whose nodes can rewrite themselves
// during a transform pass. Transform returns a replacement for n (a fresh
// node, an existing node, or a rewritten copy of the same operator), or
// nil if the node is already as simple as it can be. Problems are reported
// through rep rather than aborting the pass.
type Transformer interface {
	Transform(fc *CallFactory, rep *NodeReporter, n *Node) *Node
}

// PhaseDependent is implemented by calls that can only produce a value
// once a specific transaction phase has delivered its data.
type PhaseDependent interface {
	Phase() Phase
}

// CallFactory maps operator names to their Call capability. It is
// populated at startup and never mutated afterwards, so it is safe to
// share across rewriting and any number of concurrent evaluations.
type CallFactory struct {
	calls map[string]Call
}

// NewCallFactory returns an empty factory.
func NewCallFactory() *CallFactory {
	return &CallFactory{calls: map[string]Call{}}
}

// Register adds a call to the factory. Registering a name twice is an
// error; registration is a startup-time, write-once operation.
func (f *CallFactory) Register(c Call) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("call registration requires a named call")
	}
	if _, ok := f.calls[c.Name()]; ok {
		return fmt.Errorf("operator %q already registered", c.Name())
	}
	f.calls[c.Name()] = c
	return nil
}

// Lookup returns the call registered under name.
func (f *CallFactory) Lookup(name string) (Call, bool) {
	c, ok := f.calls[name]
	return c, ok
}

// New constructs a detached call node, validating the operand list against
// the operator. The node joins a graph when inserted via AddRoot or
// Replace.
func (f *CallFactory) New(name string, operands ...*Node) (*Node, error) {
	c, ok := f.calls[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
	}
	if err := c.Validate(operands); err != nil {
		return nil, fmt.Errorf("operator %s: %w", name, err)
	}
	ops := make([]*Node, len(operands))
	copy(ops, operands)
	return &Node{op: name, operands: ops, call: c}, nil
}
