// Package coerr defines the error taxonomy shared by the store, the
// graph executor, and the workers. Each kind is a plain struct
// implementing error so callers can test for it with errors.As.
package coerr

import "fmt"

// InvalidInputError is raised by the enqueue service's pre-checks.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return fmt.Sprintf("invalid input: %s", e.Reason) }

// DependencyMissingError is raised when a node's input_map references a
// node id that has not completed yet. A programming error in the graph,
// never retried automatically.
type DependencyMissingError struct {
	NodeID string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("dependency missing: node %q has not completed", e.NodeID)
}

// InputMappingInvalidError is raised when an input_map source expression
// is neither a var: nor a node: reference.
type InputMappingInvalidError struct {
	Target string
	Source string
}

func (e *InputMappingInvalidError) Error() string {
	return fmt.Sprintf("invalid input mapping for %q: %q", e.Target, e.Source)
}

// NodeExecutionFailedError wraps a node implementation's own error.
type NodeExecutionFailedError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionFailedError) Error() string {
	return fmt.Sprintf("node %q execution failed: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionFailedError) Unwrap() error { return e.Err }

// CanceledError is raised cooperatively when a cancellation signal fires.
type CanceledError struct {
	Row string
}

func (e *CanceledError) Error() string { return fmt.Sprintf("canceled: %s", e.Row) }

// ArtifactMissingError is raised by the artifact store's Load when the
// backing file is gone. Fatal for the run that triggers it.
type ArtifactMissingError struct {
	URI string
	Err error
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("artifact missing: %s: %v", e.URI, e.Err)
}

func (e *ArtifactMissingError) Unwrap() error { return e.Err }

// LeaseLostError is raised when a worker observes a lease token on a row
// that differs from the one it was issued, meaning some other process
// (recovery, or a lease-expiry sweeper) has already reclaimed the row.
type LeaseLostError struct {
	RowID string
}

func (e *LeaseLostError) Error() string { return fmt.Sprintf("lease lost for row %s", e.RowID) }

// StoreBusyError wraps SQLITE_BUSY/SQLITE_LOCKED after retries are
// exhausted.
type StoreBusyError struct {
	Op  string
	Err error
}

func (e *StoreBusyError) Error() string { return fmt.Sprintf("store busy during %s: %v", e.Op, e.Err) }

func (e *StoreBusyError) Unwrap() error { return e.Err }

// VRAMExhaustedError is raised by GPU admission in strict mode when no
// device has enough free memory for a model.
type VRAMExhaustedError struct {
	ModelID      string
	RequiredMB   int64
	DeviceTried  []string
}

func (e *VRAMExhaustedError) Error() string {
	return fmt.Sprintf("no device has %d MB free for model %q (tried: %v)", e.RequiredMB, e.ModelID, e.DeviceTried)
}
