package predicate

import (
	"fmt"
	"sync/atomic"
)

// Vault is the publication point for compiled engines. It holds the
// current engine behind an atomic pointer so a configuration reload can
// build and compile a replacement on the side, then swap it in without
// disturbing transactions evaluating against the previous graph.
type Vault struct {
	current atomic.Pointer[Engine]
}

// NewVault publishes an initial compiled engine.
func NewVault(e *Engine) (*Vault, error) {
	v := &Vault{}
	if err := v.Swap(e); err != nil {
		return nil, err
	}
	return v, nil
}

// Current returns the engine transactions should evaluate against.
func (v *Vault) Current() *Engine {
	return v.current.Load()
}

// Swap publishes a replacement engine. The engine must be compiled;
// in-flight evaluations keep the graph they started with.
func (v *Vault) Swap(e *Engine) error {
	if e == nil {
		return fmt.Errorf("vault requires an engine")
	}
	if !e.Compiled() {
		return fmt.Errorf("vault requires a compiled engine")
	}
	v.current.Store(e)
	return nil
}

// NewEvaluation prepares a transaction evaluation against the currently
// published engine.
func (v *Vault) NewEvaluation() (*Evaluation, error) {
	return v.Current().NewEvaluation()
}
