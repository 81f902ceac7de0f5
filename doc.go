// Package predicate is the expression-graph engine of a web application
// firewall rule language.
//
// Rules are independently authored boolean expressions over transaction
// data (headers, parameters, and so on). Rather than evaluating each rule
// in isolation, the engine merges all rule expressions into a single
// directed acyclic graph so that sub-expressions shared across rules are
// represented, rewritten and evaluated exactly once.
//
// Typical use is as follows:
//
//  1. Create an Engine, optionally registering custom operators and a
//     transformer registry.
//  2. Add each rule's parsed expression with AddRule.
//  3. Compile the engine. This rewrites the graph to a fixpoint of the
//     operators' simplification rules and freezes it.
//  4. For every inspected transaction, create an Evaluation and feed it
//     lifecycle phases with Advance. Each call returns the rules that have
//     just reached a final value.
//
// # Graph Ownership and Concurrency
//
// A compiled graph is immutable. It may be shared by any number of
// concurrent Evaluations; each Evaluation owns a private value table and
// never touches the graph structure. All graph mutation (AddRule, Compile,
// Replace) happens before the graph is published. Publication, for example
// storing the compiled Engine in a Vault, is the only synchronization
// point required.
//
// A graph that was never frozen must not be handed to an Evaluation, and a
// frozen graph rejects further mutation.
package predicate
