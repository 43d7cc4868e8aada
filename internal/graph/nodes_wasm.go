package graph

import (
	"context"
	"fmt"

	"github.com/basket/goclawd/internal/sandbox/wasm"
)

// RegisterWASM binds the "wasm" node type to host, dispatching a
// node's static config["module"] to host.Invoke. A node implementation
// running this way never shares the worker's memory space with
// whatever module it executes.
func RegisterWASM(r *Registry, host *wasm.Host) {
	r.Register("wasm", func(ctx context.Context, input map[string]any) (Result, error) {
		moduleName, _ := input["module"].(string)
		if moduleName == "" {
			return Result{Status: ResultError}, fmt.Errorf("wasm node requires a \"module\" config entry")
		}
		if !host.HasModule(moduleName) {
			return Result{Status: ResultError}, fmt.Errorf("wasm module %q not loaded", moduleName)
		}
		rc, err := host.Invoke(ctx, moduleName)
		if err != nil {
			return Result{Status: ResultError}, err
		}
		return Result{Status: ResultSuccess, Output: map[string]any{"result_code": rc}}, nil
	})
}
