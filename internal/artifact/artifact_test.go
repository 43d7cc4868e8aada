package artifact_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/basket/goclawd/internal/artifact"
	"github.com/basket/goclawd/internal/coerr"
)

func TestShouldOffloadRespectsThreshold(t *testing.T) {
	s := artifact.New(t.TempDir(), 1)
	small := make([]byte, 512)
	big := make([]byte, 2048)
	if s.ShouldOffload(small) {
		t.Fatalf("expected a 512-byte value under a 1KB threshold to stay inline")
	}
	if !s.ShouldOffload(big) {
		t.Fatalf("expected a 2KB value over a 1KB threshold to offload")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := artifact.New(t.TempDir(), 1)
	uri, err := s.Save("exec-1", "node-a", []byte(`{"result":true}`), "json")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if uri[:len("artifact://exec-1/")] != "artifact://exec-1/" {
		t.Fatalf("expected uri to be scoped under exec-1, got %s", uri)
	}

	data, err := s.Load(uri)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"result":true}` {
		t.Fatalf("unexpected round-tripped data: %s", data)
	}
}

func TestLoadMissingFileReturnsArtifactMissingError(t *testing.T) {
	s := artifact.New(t.TempDir(), 1)
	_, err := s.Load("artifact://exec-1/nonexistent.json")
	var missing *coerr.ArtifactMissingError
	if !asArtifactMissing(err, &missing) {
		t.Fatalf("expected ArtifactMissingError, got %v", err)
	}
}

func TestLoadRejectsNonArtifactURI(t *testing.T) {
	s := artifact.New(t.TempDir(), 1)
	_, err := s.Load("https://example.com/not-an-artifact")
	var missing *coerr.ArtifactMissingError
	if !asArtifactMissing(err, &missing) {
		t.Fatalf("expected ArtifactMissingError for a non-artifact uri, got %v", err)
	}
}

func asArtifactMissing(err error, target **coerr.ArtifactMissingError) bool {
	m, ok := err.(*coerr.ArtifactMissingError)
	if ok {
		*target = m
	}
	return ok
}

func TestIsRefDetectsRefShape(t *testing.T) {
	uri, ok := artifact.IsRef(json.RawMessage(`{"__ref":"artifact://exec-1/node-a_x.json"}`))
	if !ok {
		t.Fatalf("expected a ref shape to be detected")
	}
	if uri != "artifact://exec-1/node-a_x.json" {
		t.Fatalf("unexpected uri: %s", uri)
	}

	_, ok = artifact.IsRef(json.RawMessage(`{"value":1}`))
	if ok {
		t.Fatalf("expected a plain object not to be detected as a ref")
	}
}

type denyPolicy struct{}

func (denyPolicy) AllowArtifactPath(path string) bool { return false }

func TestSaveDeniedByPolicy(t *testing.T) {
	s := artifact.New(t.TempDir(), 1).WithPolicy(denyPolicy{})
	_, err := s.Save("exec-1", "node-a", []byte(`{}`), "json")
	if err == nil {
		t.Fatalf("expected policy denial to produce an error")
	}
}

func TestSaveDefaultThresholdIsFiveKB(t *testing.T) {
	s := artifact.New(filepath.Join(t.TempDir(), "artifacts"), 0)
	if s.ShouldOffload(make([]byte, 4*1024)) {
		t.Fatalf("expected 4KB to stay under the default 5KB threshold")
	}
	if !s.ShouldOffload(make([]byte, 6*1024)) {
		t.Fatalf("expected 6KB to exceed the default 5KB threshold")
	}
}
