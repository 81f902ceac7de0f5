// Package transformer holds the registry of named scalar transforms that
// rule expressions apply to field values, such as "lowercase" or "trim".
//
// The registry is the boundary to the engine: it maps names to functions
// and applies ordered, comma-separated lists of them. It deliberately
// ships no transform implementations of its own; the embedding
// application registers whatever functions its rule set needs at startup.
package transformer

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknown is returned when a transform name was never registered.
var ErrUnknown = errors.New("unknown transform")

// Func transforms one scalar value. It must not retain the input.
type Func func(string) (string, error)

// Skip records a transform that could not be applied while processing a
// list; the value passed through it untransformed.
type Skip struct {
	Name string
	Err  error
}

// Registry maps transform names to functions. Registration happens at
// startup; after that the registry is read-only and safe to share across
// concurrent evaluations.
type Registry struct {
	m map[string]Func
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{m: map[string]Func{}}
}

// Register adds a named transform. Re-registering a name is an error;
// transforms are write-once.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return errors.New("transform registration requires a name and a function")
	}
	if _, ok := r.m[name]; ok {
		return errors.Errorf("transform %q already registered", name)
	}
	r.m[name] = fn
	return nil
}

// Lookup returns the transform registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.m[name]
	return fn, ok
}

// Names returns the registered transform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply runs a single named transform on the value.
func (r *Registry) Apply(name, in string) (string, error) {
	fn, ok := r.m[name]
	if !ok {
		return in, errors.Wrap(ErrUnknown, name)
	}
	out, err := fn(in)
	if err != nil {
		return in, errors.Wrapf(err, "applying transform %q", name)
	}
	return out, nil
}

// ApplyList runs a comma-separated list of transforms on the value, left
// to right. A name that is unknown or whose function fails is recorded as
// a Skip and the value passes through it untransformed; application is
// best-effort and never fails as a whole.
func (r *Registry) ApplyList(names, in string) (string, []Skip) {
	out := in
	var skips []Skip
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		next, err := r.Apply(name, out)
		if err != nil {
			skips = append(skips, Skip{Name: name, Err: err})
			continue
		}
		out = next
	}
	return out, skips
}
