package worker

import "testing"

func TestSignalTableCancelIsNoopForUnregisteredID(t *testing.T) {
	tbl := newSignalTable()
	tbl.Cancel("never-registered")
}

func TestSignalTableCreateRemoveAndCancel(t *testing.T) {
	tbl := newSignalTable()
	sig := tbl.create("row-1")
	if sig.IsSet() {
		t.Fatalf("expected a freshly created signal to be unset")
	}
	tbl.Cancel("row-1")
	if !sig.IsSet() {
		t.Fatalf("expected Cancel to set the signal for a registered id")
	}
	tbl.remove("row-1")
	tbl.Cancel("row-1") // should be a no-op now, not a panic
}

func TestFingerprintIsStableAndDistinguishesMessages(t *testing.T) {
	a := fingerprint("connection refused")
	b := fingerprint("connection refused")
	c := fingerprint("timeout")
	if a != b {
		t.Fatalf("expected the same message to produce the same fingerprint")
	}
	if a == c {
		t.Fatalf("expected distinct messages to produce distinct fingerprints")
	}
}
