package predicate_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seclang/predicate"
)

func TestEngineLifecycle(t *testing.T) {
	e, err := predicate.NewEngine(
		predicate.WithLogger(zerolog.Nop()),
		predicate.WithMaxIterations(50),
		predicate.WithTransformers(lowercaseRegistry(t)),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.AddRule("r1", predicate.NewCall("and",
		predicate.BoolLiteral(true),
		predicate.NewCall("streq",
			predicate.NewCall("lowercase", predicate.NewCall("header", predicate.StringLiteral("X"))),
			predicate.StringLiteral("attack")))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rep, err := e.Compile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Issues()) != 0 {
		t.Fatalf("unexpected issues: %v", rep.Issues())
	}
	if !e.Compiled() || !e.Graph().Frozen() {
		t.Fatalf("compile must freeze the graph")
	}

	// The identity conjunct folds away.
	root, _ := e.Graph().Root("r1")
	if root.Op() != "streq" {
		t.Fatalf("expected folded root, got %s", root)
	}

	ev, err := e.NewEvaluation()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcomes, err := ev.Advance(predicate.PhaseReqHeaders, map[string]predicate.Value{
		"X": predicate.StringValue("AtTaCk"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Pass() {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestEngineBadRuleDoesNotPoison(t *testing.T) {
	e, err := predicate.NewEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.AddRule("bad", predicate.NewCall("nosuchop")); !errors.Is(err, predicate.ErrUnknownOperator) {
		t.Fatalf("expected ErrUnknownOperator, got %v", err)
	}
	if err := e.AddRule("alsobad", predicate.NewCall("streq", predicate.StringLiteral("only-one"))); !errors.Is(err, predicate.ErrArity) {
		t.Fatalf("expected ErrArity, got %v", err)
	}

	// The engine stays usable for well-formed rules.
	if err := e.AddRule("good", streqHeader("X", "a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Compile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.Graph().Root("good"); !ok {
		t.Fatalf("good rule missing after compile")
	}
}

func TestEngineSealedAfterCompile(t *testing.T) {
	e, err := predicate.NewEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.AddRule("r1", streqHeader("X", "a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Compile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.AddRule("r2", streqHeader("Y", "b")); !errors.Is(err, predicate.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if _, err := e.Compile(); err == nil {
		t.Fatalf("expected an error compiling twice")
	}
}

func TestEngineRequiresCompileForEvaluation(t *testing.T) {
	e, err := predicate.NewEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.AddRule("r1", streqHeader("X", "a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.NewEvaluation(); err == nil {
		t.Fatalf("expected an error evaluating an uncompiled engine")
	}
}

func TestTransformerNameCollision(t *testing.T) {
	reg := lowercaseRegistry(t)
	// Colliding with a builtin operator name must surface at engine
	// construction, not at rule-add time.
	if err := reg.Register("and", func(s string) (string, error) { return s, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := predicate.NewEngine(predicate.WithTransformers(reg))
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected a collision error, got %v", err)
	}
}
