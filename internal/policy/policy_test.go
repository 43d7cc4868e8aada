package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/goclawd/internal/policy"
)

func TestDefaultPolicyIsUnrestricted(t *testing.T) {
	p := policy.Default()
	if !p.AllowNodeType("anything") {
		t.Fatalf("expected an empty allow-list to permit any node type")
	}
	if !p.AllowArtifactPath("/tmp/whatever") {
		t.Fatalf("expected an empty allow-list to permit any artifact path")
	}
}

func TestAllowNodeTypeIsCaseInsensitiveExactMatch(t *testing.T) {
	p := policy.Policy{AllowNodeTypes: []string{"Wasm", "http_call"}}
	if !p.AllowNodeType("wasm") {
		t.Fatalf("expected case-insensitive match for wasm")
	}
	if !p.AllowNodeType("HTTP_CALL") {
		t.Fatalf("expected case-insensitive match for http_call")
	}
	if p.AllowNodeType("shell_exec") {
		t.Fatalf("expected shell_exec to be denied")
	}
}

func TestAllowArtifactPathMatchesPrefix(t *testing.T) {
	p := policy.Policy{AllowArtifactDirs: []string{"/data/artifacts"}}
	if !p.AllowArtifactPath("/data/artifacts/exec-1") {
		t.Fatalf("expected a subdirectory of an allowed dir to be permitted")
	}
	if p.AllowArtifactPath("/data/artifacts-other/exec-1") {
		t.Fatalf("expected a sibling directory with a shared prefix string to be denied")
	}
	if p.AllowArtifactPath("/etc/passwd") {
		t.Fatalf("expected an unrelated path to be denied")
	}
}

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	p, err := policy.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.AllowNodeType("anything") {
		t.Fatalf("expected empty path to load the unrestricted default")
	}

	p, err = policy.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected a missing file to be tolerated, got %v", err)
	}
	if !p.AllowNodeType("anything") {
		t.Fatalf("expected a nonexistent path to load the unrestricted default")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := "allow_node_types:\n  - wasm\n  - http_call\nallow_artifact_dirs:\n  - /data/artifacts\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.AllowNodeType("wasm") {
		t.Fatalf("expected wasm to be allowed from loaded YAML")
	}
	if p.AllowNodeType("shell_exec") {
		t.Fatalf("expected shell_exec to be denied by the loaded allow-list")
	}
}

func TestVersionChangesWithContent(t *testing.T) {
	a := policy.Policy{AllowNodeTypes: []string{"wasm"}}
	b := policy.Policy{AllowNodeTypes: []string{"wasm", "http_call"}}
	if a.Version() == b.Version() {
		t.Fatalf("expected different allow-lists to produce different fingerprints")
	}
	if a.Version() != (policy.Policy{AllowNodeTypes: []string{"wasm"}}).Version() {
		t.Fatalf("expected identical allow-lists to produce identical fingerprints")
	}
}
