package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/seclang/predicate/transformer"
)

// Phase is a discrete point in a transaction's lifecycle. Phases are
// delivered to an Evaluation in non-decreasing order; each phase may carry
// a set of named fields that unblock pending leaf nodes.
type Phase int

const (
	PhaseConnOpen Phase = iota
	PhaseReqHeaders
	PhaseReqBody
	PhaseResHeaders
	PhaseResBody
	PhaseTxClose
)

func (p Phase) String() string {
	switch p {
	case PhaseConnOpen:
		return "connection-open"
	case PhaseReqHeaders:
		return "request-headers"
	case PhaseReqBody:
		return "request-body"
	case PhaseResHeaders:
		return "response-headers"
	case PhaseResBody:
		return "response-body"
	case PhaseTxClose:
		return "transaction-close"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// headerPhase reports whether field names delivered at p are matched
// case-insensitively.
func headerPhase(p Phase) bool {
	return p == PhaseReqHeaders || p == PhaseResHeaders
}

// Outcome is a root that reached its final value during an Advance call.
type Outcome struct {
	Root  string
	Node  *Node
	Value Value

	// Indeterminate is set when the transaction closed before the root
	// could reach a value. It is a defined result, not an error.
	Indeterminate bool
}

// Pass reports whether the outcome is a determinate, truthy result.
func (o Outcome) Pass() bool {
	return !o.Indeterminate && o.Value.Truthy()
}

type evalStatus int

const (
	statusUnknown evalStatus = iota
	statusPending
	statusFinal
)

type nodeState struct {
	status evalStatus
	value  Value
}

// Evaluation computes node values for one transaction against a frozen
// graph. Each node reaches its value at most once per transaction;
// a node shared by several roots reports the identical cached value to
// each of them without recomputation.
//
// An Evaluation is owned by exactly one transaction and must not be shared
// across goroutines. The underlying graph is never written to, so any
// number of Evaluations may run concurrently against it. Discarding an
// Evaluation is the only cleanup an aborted transaction needs.
type Evaluation struct {
	graph *MergeGraph
	tfns  *transformer.Registry

	states    map[*Node]*nodeState
	fields    map[Phase]map[string]Value
	delivered map[Phase]bool
	phase     Phase
	started   bool
	closed    bool

	doneRoots map[string]struct{}
	issues    []Issue
	reported  map[string]struct{}
}

// NewEvaluation prepares an evaluation for one transaction. The graph must
// be frozen. The transformer registry may be nil if no rule uses scalar
// transforms.
func NewEvaluation(g *MergeGraph, tfns *transformer.Registry) (*Evaluation, error) {
	if g == nil {
		return nil, fmt.Errorf("evaluation requires a graph")
	}
	if !g.Frozen() {
		return nil, fmt.Errorf("evaluation requires a frozen graph")
	}
	return &Evaluation{
		graph:     g,
		tfns:      tfns,
		states:    map[*Node]*nodeState{},
		fields:    map[Phase]map[string]Value{},
		delivered: map[Phase]bool{},
		doneRoots: map[string]struct{}{},
		reported:  map[string]struct{}{},
	}, nil
}

// Advance delivers one lifecycle phase and its fields, re-attempts every
// root that has not yet reached a final value, and returns the roots that
// became final during this call. Phases must be delivered in
// non-decreasing order; delivering a phase twice merges its field sets.
//
// Advancing to PhaseTxClose resolves every remaining root to an
// indeterminate outcome.
func (ev *Evaluation) Advance(phase Phase, fields map[string]Value) ([]Outcome, error) {
	if ev.closed {
		return nil, fmt.Errorf("transaction already closed")
	}
	if ev.started && phase < ev.phase {
		return nil, fmt.Errorf("phase %s delivered after %s", phase, ev.phase)
	}
	ev.started = true
	ev.phase = phase
	ev.delivered[phase] = true

	if len(fields) > 0 {
		m, ok := ev.fields[phase]
		if !ok {
			m = map[string]Value{}
			ev.fields[phase] = m
		}
		for k, v := range fields {
			if headerPhase(phase) {
				k = strings.ToLower(k)
			}
			m[k] = v
		}
	}

	var outcomes []Outcome
	for _, r := range ev.graph.Roots() {
		if _, done := ev.doneRoots[r.Name]; done {
			continue
		}
		v, final := ev.eval(r.Node)
		if final {
			ev.doneRoots[r.Name] = struct{}{}
			outcomes = append(outcomes, Outcome{Root: r.Name, Node: r.Node, Value: v})
		}
	}

	if phase == PhaseTxClose {
		ev.closed = true
		for _, r := range ev.graph.Roots() {
			if _, done := ev.doneRoots[r.Name]; done {
				continue
			}
			ev.doneRoots[r.Name] = struct{}{}
			outcomes = append(outcomes, Outcome{Root: r.Name, Node: r.Node, Value: Null(), Indeterminate: true})
		}
	}
	return outcomes, nil
}

func (ev *Evaluation) state(n *Node) *nodeState {
	st, ok := ev.states[n]
	if !ok {
		st = &nodeState{}
		ev.states[n] = st
	}
	return st
}

// eval attempts to drive n to a final value, operands first. It returns
// the value and whether it is final. Once final, the cached value is
// returned without re-invoking the node's evaluation capability.
func (ev *Evaluation) eval(n *Node) (Value, bool) {
	st := ev.state(n)
	if st.status == statusFinal {
		return st.value, true
	}

	if n.IsLiteral() {
		st.status = statusFinal
		st.value = n.lit
		return st.value, true
	}

	allFinal := true
	for _, o := range n.operands {
		if _, ok := ev.eval(o); !ok {
			allFinal = false
		}
	}

	if pd, ok := n.call.(PhaseDependent); ok && !ev.delivered[pd.Phase()] && !ev.PhaseComplete(pd.Phase()) {
		st.status = statusPending
		return Null(), false
	}
	if !allFinal {
		st.status = statusPending
		return Null(), false
	}

	v, err := n.call.Eval(ev, n)
	if err != nil {
		if errors.Is(err, ErrPending) {
			st.status = statusPending
			return Null(), false
		}
		ev.issues = append(ev.issues, Issue{Node: n, Severity: SeverityError, Message: err.Error()})
		v = Null()
	}
	st.status = statusFinal
	st.value = v
	return v, true
}

// Value returns n's value for this transaction, and whether it is final.
func (ev *Evaluation) Value(n *Node) (Value, bool) {
	st, ok := ev.states[n]
	if !ok || st.status != statusFinal {
		return Null(), false
	}
	return st.value, true
}

// OperandValue returns the final value of n's i-th operand. It is meant
// for use inside Call.Eval, where all operands are guaranteed final.
func (ev *Evaluation) OperandValue(n *Node, i int) Value {
	v, _ := ev.Value(n.operands[i])
	return v
}

// PhaseComplete reports whether p's field set can no longer grow: a later
// phase has been advanced to, or the transaction has closed. While the
// transaction is still at p, further Advance calls may merge in more of
// p's fields.
func (ev *Evaluation) PhaseComplete(p Phase) bool {
	return ev.closed || ev.phase > p
}

// Field returns the field delivered under name at the phase, or false if
// the phase has not delivered it. A phase delivered in several Advance
// calls accumulates fields; header-phase names are matched
// case-insensitively.
func (ev *Evaluation) Field(phase Phase, name string) (Value, bool) {
	m, ok := ev.fields[phase]
	if !ok {
		return Null(), false
	}
	if headerPhase(phase) {
		name = strings.ToLower(name)
	}
	v, ok := m[name]
	return v, ok
}

// ApplyTransforms applies a comma-separated list of named scalar
// transforms to v, left to right. Unknown names and failing transforms
// are reported against n, once per (node, name), and skipped; the value
// passes through them untransformed. Transforms apply to string values
// only; other kinds pass through with a warning.
func (ev *Evaluation) ApplyTransforms(n *Node, names string, v Value) Value {
	if strings.TrimSpace(names) == "" {
		return v
	}
	if v.Kind != KindString {
		ev.warnOnce(n, "kind:"+v.Kind.String(), "transforms %q skipped: value is %s, not string", names, v.Kind)
		return v
	}
	if ev.tfns == nil {
		ev.warnOnce(n, "noreg", "transforms %q skipped: no transformer registry", names)
		return v
	}
	out, skips := ev.tfns.ApplyList(names, v.Str)
	for _, sk := range skips {
		ev.warnOnce(n, sk.Name, "transform %q skipped: %v", sk.Name, sk.Err)
	}
	return StringValue(out)
}

func (ev *Evaluation) warnOnce(n *Node, key, format string, args ...any) {
	k := fmt.Sprintf("%d/%s", n.id, key)
	if _, ok := ev.reported[k]; ok {
		return
	}
	ev.reported[k] = struct{}{}
	ev.issues = append(ev.issues, Issue{Node: n, Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
}

// Issues returns the diagnostics accumulated while evaluating this
// transaction: skipped transforms and operator evaluation errors. None of
// them abort evaluation.
func (ev *Evaluation) Issues() []Issue {
	return ev.issues
}

// Summary renders the per-root evaluation state as a table.
func (ev *Evaluation) Summary() string {
	tw := table.NewWriter()
	tw.SetTitle("\nPREDICATE EVALUATION SUMMARY\n")
	tw.AppendHeader(table.Row{"\nRoot", "\nState", "\nValue", "Last\nPhase"})

	for _, r := range ev.graph.Roots() {
		state := "unknown"
		value := ""
		if st, ok := ev.states[r.Node]; ok {
			switch st.status {
			case statusPending:
				state = "pending"
			case statusFinal:
				state = "final"
				value = st.value.String()
			}
		}
		if _, done := ev.doneRoots[r.Name]; done && state != "final" {
			state = "indeterminate"
		}
		tw.AppendRow(table.Row{r.Name, state, value, ev.phase.String()})
	}

	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
