package predicate

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seclang/predicate/transformer"
)

// Engine ties the pieces of the expression-graph pipeline together: it
// owns the CallFactory and transformer registry, accumulates rule
// expressions into a MergeGraph, rewrites the graph to a fixpoint on
// Compile, and hands out per-transaction Evaluations afterwards.
type Engine struct {
	fc    *CallFactory
	tfns  *transformer.Registry
	graph *MergeGraph
	opts  EngineOptions

	compiled bool
}

// See the functional options below for the meaning.
type EngineOptions struct {
	Logger        zerolog.Logger
	MaxIterations int
	Transformers  *transformer.Registry
	ExtraCalls    []Call
}

type EngineOption func(o *EngineOptions)

// WithLogger sets the logger used for compile-time progress.
// Default: a no-op logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(o *EngineOptions) {
		o.Logger = l
	}
}

// WithMaxIterations caps the number of outer transform passes during
// Compile. Zero or less selects a default proportional to graph size.
func WithMaxIterations(n int) EngineOption {
	return func(o *EngineOptions) {
		o.MaxIterations = n
	}
}

// WithTransformers supplies the scalar-transform registry. Each
// registered transform also becomes a unary operator of the same name, so
// rules can write lowercase(header("X")).
func WithTransformers(r *transformer.Registry) EngineOption {
	return func(o *EngineOptions) {
		o.Transformers = r
	}
}

// WithCall registers an additional operator beyond the builtins.
func WithCall(c Call) EngineOption {
	return func(o *EngineOptions) {
		o.ExtraCalls = append(o.ExtraCalls, c)
	}
}

// NewEngine creates an engine with the builtin operator set registered,
// plus any operators contributed by options.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	o := EngineOptions{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	fc := NewCallFactory()
	if err := RegisterBuiltins(fc); err != nil {
		return nil, err
	}
	if o.Transformers != nil {
		for _, name := range o.Transformers.Names() {
			if err := fc.Register(transformerCall{name: name}); err != nil {
				return nil, fmt.Errorf("exposing transformer as operator: %w", err)
			}
		}
	}
	for _, c := range o.ExtraCalls {
		if err := fc.Register(c); err != nil {
			return nil, err
		}
	}

	return &Engine{
		fc:    fc,
		tfns:  o.Transformers,
		graph: NewMergeGraph(),
		opts:  o,
	}, nil
}

// AddRule inserts one rule's parsed expression under its name,
// deduplicated against every rule already added. A structural error
// (unknown operator, bad arity, conflicting duplicate name) fails this
// rule only; the engine remains usable for further rules.
func (e *Engine) AddRule(name string, expr *Expr) error {
	if e.compiled {
		return ErrFrozen
	}
	n, err := e.graph.AddRoot(name, expr, e.fc)
	if err != nil {
		return err
	}
	e.opts.Logger.Debug().Str("rule", name).Str("expr", n.String()).Msg("rule added")
	return nil
}

// Compile rewrites the graph to a fixpoint of the registered operators'
// simplification rules and freezes it for concurrent evaluation. The
// returned Reporter carries every non-fatal issue found during rewriting;
// whether any of them should abort loading is the caller's policy.
// Exceeding the iteration cap returns ErrFixpointDiverged.
func (e *Engine) Compile() (*Reporter, error) {
	if e.compiled {
		return nil, fmt.Errorf("engine already compiled")
	}
	rep := NewReporter()
	before := e.graph.NodeCount()
	iterations, err := TransformFixpoint(rep, e.graph, e.fc, e.opts.MaxIterations, e.opts.Logger)
	if err != nil {
		return rep, err
	}
	e.graph.Freeze()
	e.compiled = true
	e.opts.Logger.Info().
		Int("iterations", iterations).
		Int("nodes_before", before).
		Int("nodes_after", e.graph.NodeCount()).
		Int("issues", len(rep.Issues())).
		Msg("graph compiled")
	return rep, nil
}

// Compiled reports whether Compile has run.
func (e *Engine) Compiled() bool { return e.compiled }

// Graph returns the engine's graph.
func (e *Engine) Graph() *MergeGraph { return e.graph }

// Calls returns the engine's operator registry.
func (e *Engine) Calls() *CallFactory { return e.fc }

// NewEvaluation prepares the evaluation state for one transaction against
// the compiled graph.
func (e *Engine) NewEvaluation() (*Evaluation, error) {
	if !e.compiled {
		return nil, fmt.Errorf("engine is not compiled")
	}
	return NewEvaluation(e.graph, e.tfns)
}
