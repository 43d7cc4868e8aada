package coerr_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/goclawd/internal/coerr"
)

func TestNodeExecutionFailedErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &coerr.NodeExecutionFailedError{NodeID: "node-a", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find the wrapped inner error")
	}
	if err.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestArtifactMissingErrorUnwraps(t *testing.T) {
	inner := errors.New("file not found")
	err := &coerr.ArtifactMissingError{URI: "artifact://x/y", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find the wrapped inner error")
	}
}

func TestStoreBusyErrorUnwraps(t *testing.T) {
	inner := errors.New("database is locked")
	err := &coerr.StoreBusyError{Op: "claim", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find the wrapped inner error")
	}
}

func TestErrorKindsAreDistinguishableViaErrorsAs(t *testing.T) {
	var err error = &coerr.LeaseLostError{RowID: "row-1"}
	var leaseLost *coerr.LeaseLostError
	if !errors.As(err, &leaseLost) {
		t.Fatalf("expected errors.As to match LeaseLostError")
	}
	if leaseLost.RowID != "row-1" {
		t.Fatalf("expected RowID row-1, got %s", leaseLost.RowID)
	}

	var canceled *coerr.CanceledError
	if errors.As(err, &canceled) {
		t.Fatalf("expected a LeaseLostError not to match CanceledError")
	}
}

func TestVRAMExhaustedErrorMessageIncludesModelAndDevices(t *testing.T) {
	err := &coerr.VRAMExhaustedError{ModelID: "llama3", RequiredMB: 8000, DeviceTried: []string{"gpu0", "gpu1"}}
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if !strings.Contains(msg, "llama3") || !strings.Contains(msg, "gpu0") || !strings.Contains(msg, "gpu1") {
		t.Fatalf("expected the message to name the model and the devices tried, got %q", msg)
	}
}
