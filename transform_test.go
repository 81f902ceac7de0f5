package predicate_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seclang/predicate"
)

func TestFoldAndTrueConvergesInOnePass(t *testing.T) {
	fc := newFactory(t)
	g := predicate.NewMergeGraph()

	_, err := g.AddRoot("r1", predicate.NewCall("and",
		predicate.BoolLiteral(true),
		streqHeader("X", "attack")), fc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rep := predicate.NewReporter()
	if changed := predicate.TransformGraph(rep, g, fc); !changed {
		t.Fatalf("expected first pass to change the graph")
	}
	g.ClearTransformRecord()

	root, _ := g.Root("r1")
	if root.Op() != "streq" {
		t.Fatalf("expected root to fold to streq, got %s", root)
	}

	if changed := predicate.TransformGraph(rep, g, fc); changed {
		t.Fatalf("expected second pass to be a fixpoint")
	}
	if len(rep.Issues()) != 0 {
		t.Fatalf("unexpected issues: %v", rep.Issues())
	}
}

func TestFixpointIdempotent(t *testing.T) {
	fc := newFactory(t)
	g := predicate.NewMergeGraph()

	_, err := g.AddRoot("r1", predicate.NewCall("not",
		predicate.NewCall("not",
			predicate.NewCall("and",
				predicate.BoolLiteral(true),
				streqHeader("X", "attack")))), fc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rep := predicate.NewReporter()
	if _, err := predicate.TransformFixpoint(rep, g, fc, 0, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Once a fixpoint is reached, a further run must change nothing and
	// report nothing.
	rep2 := predicate.NewReporter()
	iterations, err := predicate.TransformFixpoint(rep2, g, fc, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iterations != 0 {
		t.Fatalf("expected 0 changing iterations at fixpoint, got %d", iterations)
	}
	if len(rep2.Issues()) != 0 {
		t.Fatalf("unexpected issues: %v", rep2.Issues())
	}

	root, _ := g.Root("r1")
	if root.Op() != "streq" {
		t.Fatalf("expected double negation and identity to fold away, got %s", root)
	}
}

func TestTransformNeverGrowsReachableSet(t *testing.T) {
	fc := newFactory(t)
	g := predicate.NewMergeGraph()

	exprs := map[string]*predicate.Expr{
		"r1": predicate.NewCall("and", predicate.BoolLiteral(true), streqHeader("X", "attack")),
		"r2": predicate.NewCall("or", predicate.BoolLiteral(false), streqHeader("X", "ok")),
		"r3": predicate.NewCall("not", predicate.NewCall("not", streqHeader("X", "ok"))),
	}
	for name, e := range exprs {
		if _, err := g.AddRoot(name, e, fc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	before := g.NodeCount()
	rep := predicate.NewReporter()
	if _, err := predicate.TransformFixpoint(rep, g, fc, 0, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after := g.NodeCount(); after > before {
		t.Fatalf("transforming grew the reachable set: %d -> %d", before, after)
	}
}

// evaluateRoots drives a frozen graph through request headers and close,
// returning each root's determinate value.
func evaluateRoots(t *testing.T, g *predicate.MergeGraph, headers map[string]predicate.Value) map[string]predicate.Value {
	t.Helper()
	ev, err := predicate.NewEvaluation(g, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results := map[string]predicate.Value{}
	for _, phase := range []predicate.Phase{predicate.PhaseReqHeaders, predicate.PhaseTxClose} {
		var fields map[string]predicate.Value
		if phase == predicate.PhaseReqHeaders {
			fields = headers
		}
		outcomes, err := ev.Advance(phase, fields)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, o := range outcomes {
			if o.Indeterminate {
				t.Fatalf("root %s indeterminate", o.Root)
			}
			results[o.Root] = o.Value
		}
	}
	return results
}

// Rewriting must preserve every root's evaluated value: the transformed
// graph and an untransformed copy agree on a corpus of inputs.
func TestTransformPreservesEvaluation(t *testing.T) {
	build := func() *predicate.MergeGraph {
		fc := newFactory(t)
		g := predicate.NewMergeGraph()
		exprs := map[string]*predicate.Expr{
			"r1": predicate.NewCall("and", predicate.BoolLiteral(true), streqHeader("X", "attack")),
			"r2": predicate.NewCall("or", predicate.BoolLiteral(false),
				predicate.NewCall("contains",
					predicate.NewCall("header", predicate.StringLiteral("X")),
					predicate.StringLiteral("tta"))),
			"r3": predicate.NewCall("not", predicate.NewCall("not", streqHeader("X", "ok"))),
			"r4": predicate.NewCall("streq", predicate.StringLiteral("a"), predicate.StringLiteral("a")),
		}
		for name, e := range exprs {
			if _, err := g.AddRoot(name, e, fc); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		return g
	}

	reference := build()
	reference.Freeze()

	optimized := build()
	fc := newFactory(t)
	rep := predicate.NewReporter()
	if _, err := predicate.TransformFixpoint(rep, optimized, fc, 0, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	optimized.Freeze()

	corpus := []map[string]predicate.Value{
		{"X": predicate.StringValue("attack")},
		{"X": predicate.StringValue("ok")},
		{"X": predicate.StringValue("zattackz")},
		{"X": predicate.StringValue("")},
		{},
	}
	for i, headers := range corpus {
		want := evaluateRoots(t, reference, headers)
		got := evaluateRoots(t, optimized, headers)
		if len(want) != len(got) {
			t.Fatalf("input %d: root sets differ: %v vs %v", i, want, got)
		}
		for root, w := range want {
			if !got[root].Equal(w) {
				t.Fatalf("input %d: root %s: reference %s, optimized %s", i, root, w, got[root])
			}
		}
	}
}

// rebuildCall proposes a fresh node with the same operator and operands,
// which canonicalizes back to the node being rewritten.
type rebuildCall struct{}

func (rebuildCall) Name() string                              { return "rebuild" }
func (rebuildCall) Validate(operands []*predicate.Node) error { return nil }

func (rebuildCall) Eval(ev *predicate.Evaluation, n *predicate.Node) (predicate.Value, error) {
	return predicate.BoolValue(false), nil
}

func (rebuildCall) Transform(fc *predicate.CallFactory, rep *predicate.NodeReporter, n *predicate.Node) *predicate.Node {
	repl, err := fc.New("rebuild", n.Operands()...)
	if err != nil {
		rep.Error("rebuilding: %v", err)
		return nil
	}
	return repl
}

func TestIdenticalRewriteIsNotChange(t *testing.T) {
	fc := newFactory(t)
	if err := fc.Register(rebuildCall{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g := predicate.NewMergeGraph()
	if _, err := g.AddRoot("r1", predicate.NewCall("rebuild", predicate.StringLiteral("x")), fc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The rewrite merges back onto the existing node every sweep; it must
	// not count as a change, or the loop below would hit its cap on a
	// stable graph.
	rep := predicate.NewReporter()
	iterations, err := predicate.TransformFixpoint(rep, g, fc, 3, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iterations != 0 {
		t.Fatalf("expected 0 changing iterations, got %d", iterations)
	}
	if len(rep.Issues()) != 0 {
		t.Fatalf("unexpected issues: %v", rep.Issues())
	}
}

// flipCall oscillates between two spellings forever, to exercise the
// divergence guard.
type flipCall struct {
	name  string
	other string
}

func (c flipCall) Name() string                              { return c.name }
func (c flipCall) Validate(operands []*predicate.Node) error { return nil }

func (c flipCall) Eval(ev *predicate.Evaluation, n *predicate.Node) (predicate.Value, error) {
	return predicate.BoolValue(false), nil
}

func (c flipCall) Transform(fc *predicate.CallFactory, rep *predicate.NodeReporter, n *predicate.Node) *predicate.Node {
	repl, err := fc.New(c.other, n.Operands()...)
	if err != nil {
		rep.Error("building %s: %v", c.other, err)
		return nil
	}
	return repl
}

func TestFixpointDivergenceGuard(t *testing.T) {
	fc := predicate.NewCallFactory()
	for _, c := range []predicate.Call{
		flipCall{name: "flip", other: "flop"},
		flipCall{name: "flop", other: "flip"},
	} {
		if err := fc.Register(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	g := predicate.NewMergeGraph()
	if _, err := g.AddRoot("r1", predicate.NewCall("flip", predicate.StringLiteral("x")), fc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rep := predicate.NewReporter()
	_, err := predicate.TransformFixpoint(rep, g, fc, 5, zerolog.Nop())
	if !errors.Is(err, predicate.ErrFixpointDiverged) {
		t.Fatalf("expected ErrFixpointDiverged, got %v", err)
	}
}

// selfWrapCall proposes a rewrite that contains the node being rewritten,
// which the graph must reject as a cycle.
type selfWrapCall struct{}

func (selfWrapCall) Name() string                              { return "selfwrap" }
func (selfWrapCall) Validate(operands []*predicate.Node) error { return nil }

func (selfWrapCall) Eval(ev *predicate.Evaluation, n *predicate.Node) (predicate.Value, error) {
	return predicate.BoolValue(false), nil
}

func (selfWrapCall) Transform(fc *predicate.CallFactory, rep *predicate.NodeReporter, n *predicate.Node) *predicate.Node {
	repl, err := fc.New("selfwrap", n)
	if err != nil {
		rep.Error("building wrapper: %v", err)
		return nil
	}
	return repl
}

func TestCyclicRewriteReportedNotFatal(t *testing.T) {
	fc := newFactory(t)
	if err := fc.Register(selfWrapCall{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g := predicate.NewMergeGraph()
	if _, err := g.AddRoot("bad", predicate.NewCall("selfwrap", predicate.StringLiteral("x")), fc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A healthy foldable root in the same graph must still be rewritten.
	if _, err := g.AddRoot("good", predicate.NewCall("and",
		predicate.BoolLiteral(true), streqHeader("X", "a")), fc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rep := predicate.NewReporter()
	changed := predicate.TransformGraph(rep, g, fc)
	if !changed {
		t.Fatalf("expected the healthy root to be rewritten")
	}
	if rep.ErrorCount() == 0 {
		t.Fatalf("expected the cyclic rewrite to be reported")
	}

	bad, _ := g.Root("bad")
	if bad.Op() != "selfwrap" {
		t.Fatalf("rejected rewrite must leave the node unrewritten, got %s", bad)
	}
	good, _ := g.Root("good")
	if good.Op() != "streq" {
		t.Fatalf("expected healthy root to fold to streq, got %s", good)
	}

	if s := rep.AsString(); s == "" {
		t.Fatalf("expected a rendered report")
	}
}
