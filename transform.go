package predicate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrFixpointDiverged is returned when repeated transform passes exceed
// the iteration cap without reaching a fixpoint. It indicates an
// oscillating or otherwise buggy rewrite rule and should be treated as a
// configuration error.
var ErrFixpointDiverged = errors.New("transform fixpoint not reached within iteration cap")

// TransformGraph performs one rewrite sweep over the graph: every node is
// offered the chance to rewrite itself exactly once, operands before any
// of their parents. Replacements are applied and re-merged through
// g.Replace as they are produced. It returns true iff at least one node
// was rewritten.
//
// A single sweep does not guarantee a fixpoint; a node's rewrite can
// expose a new opportunity in a parent visited in the same sweep. Callers
// should invoke TransformFixpoint, or loop themselves, calling
// g.ClearTransformRecord between sweeps.
//
// A rewrite rejected by the graph (for example, one that would introduce
// a cycle) is reported as an error against the offending node and the
// sweep continues; the node is simply left unrewritten.
func TransformGraph(rep *Reporter, g *MergeGraph, fc *CallFactory) bool {
	changed := false
	for _, n := range bottomUpOrder(g) {
		if !g.Contains(n) {
			// Merged away by an earlier replacement in this sweep.
			continue
		}
		if n.offered {
			continue
		}
		n.offered = true
		if n.call == nil {
			continue
		}
		t, ok := n.call.(Transformer)
		if !ok {
			continue
		}
		repl := t.Transform(fc, rep.ForNode(n), n)
		if repl == nil || repl == n {
			continue
		}
		repointed, err := g.Replace(n, repl)
		if err != nil {
			rep.Error(n, "rewrite to %s rejected: %v", repl, err)
			continue
		}
		// A replacement that canonicalized back to the node itself is
		// not a change.
		if repointed {
			changed = true
		}
	}
	return changed
}

// bottomUpOrder returns the nodes reachable from the roots, ordered so
// that every node appears before all of its parents. Levels are the
// longest operand-path distance from any root, emitted deepest first, one
// full level at a time.
func bottomUpOrder(g *MergeGraph) []*Node {
	level := map[*Node]int{}
	var walk func(n *Node, d int)
	walk = func(n *Node, d int) {
		if prev, ok := level[n]; ok && prev >= d {
			return
		}
		level[n] = d
		for _, o := range n.operands {
			walk(o, d+1)
		}
	}
	for _, r := range g.Roots() {
		walk(r.Node, 0)
	}

	maxLevel := 0
	for _, d := range level {
		if d > maxLevel {
			maxLevel = d
		}
	}
	buckets := make([][]*Node, maxLevel+1)
	for n, d := range level {
		buckets[d] = append(buckets[d], n)
	}

	ordered := make([]*Node, 0, len(level))
	for d := maxLevel; d >= 0; d-- {
		ordered = append(ordered, buckets[d]...)
	}
	return ordered
}

// TransformFixpoint runs TransformGraph repeatedly, clearing the
// transform record between sweeps, until a sweep changes nothing or the
// iteration cap is exceeded. A cap of zero or less selects a default
// proportional to the graph size. It returns the number of sweeps that
// changed the graph.
func TransformFixpoint(rep *Reporter, g *MergeGraph, fc *CallFactory, maxIterations int, log zerolog.Logger) (int, error) {
	if maxIterations <= 0 {
		maxIterations = 2*g.NodeCount() + 8
	}
	iterations := 0
	for {
		if iterations >= maxIterations {
			return iterations, fmt.Errorf("%w after %d iterations", ErrFixpointDiverged, iterations)
		}
		changed := TransformGraph(rep, g, fc)
		g.ClearTransformRecord()
		if !changed {
			log.Debug().
				Int("iterations", iterations).
				Int("nodes", g.NodeCount()).
				Msg("transform fixpoint reached")
			return iterations, nil
		}
		iterations++
		log.Debug().Int("iteration", iterations).Msg("graph changed, rerunning transform pass")
	}
}
