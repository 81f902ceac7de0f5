// Package celop exposes a CEL expression as a predicate graph operator.
// Rules can embed cel("header_x.contains('attack')") as a leaf whose value
// is computed from declared transaction fields once the configured phase
// has delivered them. See https://github.com/google/cel-go and the CEL
// spec at https://github.com/google/cel-spec.
package celop

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/seclang/predicate"
)

// Call is the "cel" operator. Its single operand is a string literal
// holding a CEL expression over the declared fields. Expressions are
// parsed, checked and compiled when the graph is built; evaluation only
// runs the stored program.
//
// A Call is written to while graphs are being built and must not be
// shared across engines compiling concurrently. Once the owning engine is
// compiled it is read-only and safe for any number of evaluations.
type Call struct {
	phase  predicate.Phase
	env    *cel.Env
	fields []string

	// programs caches compiled expressions, keyed by expression text.
	programs map[string]cel.Program
}

type Option func(c *Call)

// WithPhase sets the transaction phase whose fields the expressions read.
// Default: request headers.
func WithPhase(p predicate.Phase) Option {
	return func(c *Call) {
		c.phase = p
	}
}

// New creates the operator with the given transaction fields declared as
// CEL string variables.
func New(fields []string, opts ...Option) (*Call, error) {
	items := []*exprpb.Decl{}
	for _, f := range fields {
		items = append(items, decls.NewVar(f, decls.String))
	}
	env, err := cel.NewEnv(cel.Declarations(items...))
	if err != nil {
		return nil, fmt.Errorf("building CEL environment: %w", err)
	}
	c := &Call{
		phase:    predicate.PhaseReqHeaders,
		env:      env,
		fields:   fields,
		programs: map[string]cel.Program{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Call) Name() string { return "cel" }

func (c *Call) Phase() predicate.Phase { return c.phase }

// Validate checks the operand shape and compiles the expression, caching
// the program for evaluation.
func (c *Call) Validate(operands []*predicate.Node) error {
	if len(operands) != 1 {
		return fmt.Errorf("%w: need exactly 1 operand, got %d", predicate.ErrArity, len(operands))
	}
	o := operands[0]
	if !o.IsLiteral() || o.Literal().Kind != predicate.KindString {
		return fmt.Errorf("%w: operand must be a string literal holding a CEL expression", predicate.ErrOperand)
	}
	expr := o.Literal().Str
	if _, ok := c.programs[expr]; ok {
		return nil
	}
	prg, err := c.compile(expr)
	if err != nil {
		return err
	}
	c.programs[expr] = prg
	return nil
}

// compile parses the expression to an AST, type-checks it against the
// declared fields, and generates an evaluable program.
func (c *Call) compile(expr string) (cel.Program, error) {
	p, iss := c.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parsing %q: %w", expr, iss.Err())
	}
	checked, iss := c.env.Check(p)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("checking %q: %w", expr, iss.Err())
	}
	prg, err := c.env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("generating program for %q: %w", expr, err)
	}
	return prg, nil
}

// Eval runs the stored program against the fields delivered at the
// operator's phase. While the phase's field set can still grow, an absent
// declared field keeps the node pending; once the phase is complete,
// fields it never delivered evaluate as empty strings.
func (c *Call) Eval(ev *predicate.Evaluation, n *predicate.Node) (predicate.Value, error) {
	expr := n.Operands()[0].Literal().Str
	prg, ok := c.programs[expr]
	if !ok {
		return predicate.Null(), fmt.Errorf("expression %q was never compiled", expr)
	}

	activation := map[string]any{}
	for _, f := range c.fields {
		s := ""
		v, ok := ev.Field(c.phase, f)
		switch {
		case ok && v.Kind == predicate.KindString:
			s = v.Str
		case !ok && !ev.PhaseComplete(c.phase):
			return predicate.Null(), predicate.ErrPending
		}
		activation[f] = s
	}

	rawValue, _, err := prg.Eval(activation)
	if err != nil {
		return predicate.Null(), fmt.Errorf("evaluating %q: %w", expr, err)
	}

	switch v := rawValue.Value().(type) {
	case bool:
		return predicate.BoolValue(v), nil
	case string:
		return predicate.StringValue(v), nil
	case int64:
		return predicate.IntValue(v), nil
	case float64:
		return predicate.FloatValue(v), nil
	default:
		return predicate.StringValue(fmt.Sprintf("%v", v)), nil
	}
}
