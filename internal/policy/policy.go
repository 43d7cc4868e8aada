// Package policy gates which node types a graph may use and which
// filesystem paths the artifact store may write under, adapted from
// the capability/path allow-list shape used for tool access elsewhere
// in this ecosystem.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Checker is what the graph registry and artifact store consume.
type Checker interface {
	AllowNodeType(nodeType string) bool
	AllowArtifactPath(path string) bool
	Version() string
}

// Policy is the serializable allow-list data. An empty list in either
// field permits everything in that dimension — unconfigured
// deployments are unrestricted by default.
type Policy struct {
	AllowNodeTypes    []string `yaml:"allow_node_types"`
	AllowArtifactDirs []string `yaml:"allow_artifact_dirs"`
}

// Default returns the unrestricted policy.
func Default() Policy {
	return Policy{}
}

// Load reads a YAML policy file. A missing or empty path returns the
// unrestricted default rather than erroring, matching the rest of the
// daemon's "absent config means sane default" convention.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

// AllowNodeType reports whether nodeType may be registered/executed.
func (p Policy) AllowNodeType(nodeType string) bool {
	if len(p.AllowNodeTypes) == 0 {
		return true
	}
	nodeType = strings.ToLower(strings.TrimSpace(nodeType))
	for _, allowed := range p.AllowNodeTypes {
		if strings.ToLower(strings.TrimSpace(allowed)) == nodeType {
			return true
		}
	}
	return false
}

// AllowArtifactPath reports whether path falls under one of the
// configured artifact directories.
func (p Policy) AllowArtifactPath(path string) bool {
	if len(p.AllowArtifactDirs) == 0 {
		return true
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowArtifactDirs {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Version returns a short fingerprint of the active policy, for
// inclusion in diagnostic/status output.
func (p Policy) Version() string {
	h := fnv.New64a()
	for _, v := range p.AllowNodeTypes {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowArtifactDirs {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
