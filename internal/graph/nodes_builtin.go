package graph

import "context"

// RegisterBuiltins binds the node types every graph can rely on
// without further wiring. input_start's implementation is never
// actually invoked — Executor.Run starts traversal at the entry
// node's successors — but it must still be registered to pass the
// pre-flight "every node type is registered" check.
func RegisterBuiltins(r *Registry) {
	r.Register(EntryNodeType, func(_ context.Context, input map[string]any) (Result, error) {
		return Result{Status: ResultSuccess, Output: input}, nil
	})

	// passthrough copies its input straight to output, useful as a
	// no-op join point or for wiring tests that don't need real work.
	r.Register("passthrough", func(_ context.Context, input map[string]any) (Result, error) {
		return Result{Status: ResultSuccess, Output: input}, nil
	})
}
