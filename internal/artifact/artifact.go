// Package artifact offloads oversized node outputs to content-addressed
// files on disk and returns opaque artifact:// URIs in their place.
// Artifacts are created once and never mutated.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/goclawd/internal/coerr"
)

// PathChecker gates which directories artifacts may be written under.
// A nil checker (the default) permits the configured base directory
// unconditionally.
type PathChecker interface {
	AllowArtifactPath(path string) bool
}

// Store manages one artifact base directory, one subdirectory per
// execution id.
type Store struct {
	baseDir     string
	thresholdKB int
	checker     PathChecker
}

// New builds an artifact Store. thresholdKB is the default
// should-offload threshold (spec default 5 KB).
func New(baseDir string, thresholdKB int) *Store {
	if thresholdKB <= 0 {
		thresholdKB = 5
	}
	return &Store{baseDir: baseDir, thresholdKB: thresholdKB}
}

// WithPolicy attaches a path checker, returning the same Store for
// chaining at construction time.
func (s *Store) WithPolicy(checker PathChecker) *Store {
	s.checker = checker
	return s
}

// ShouldOffload reports whether value's serialized size exceeds the
// configured threshold.
func (s *Store) ShouldOffload(value []byte) bool {
	return len(value) > s.thresholdKB*1024
}

// Ref is the `{__ref: uri}` shape substituted for an offloaded output.
type Ref struct {
	URI string `json:"__ref"`
}

// IsRef reports whether raw decodes as a Ref, returning the URI if so.
func IsRef(raw json.RawMessage) (string, bool) {
	var ref Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", false
	}
	if ref.URI == "" {
		return "", false
	}
	return ref.URI, true
}

// Save writes value under {base}/{executionID}/{nodeID}_{timestamp}.{ext}
// and returns its artifact:// URI. ext is "json" for JSON values and
// "bin" otherwise.
func (s *Store) Save(executionID, nodeID string, value []byte, ext string) (string, error) {
	if ext == "" {
		ext = "bin"
	}
	dir := filepath.Join(s.baseDir, executionID)
	if s.checker != nil && !s.checker.AllowArtifactPath(dir) {
		return "", fmt.Errorf("artifact directory %s not permitted by policy", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir %s: %w", dir, err)
	}

	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	filename := fmt.Sprintf("%s_%s.%s", nodeID, ts, ext)
	path := filepath.Join(dir, filename)

	if err := os.WriteFile(path, value, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", path, err)
	}

	return fmt.Sprintf("artifact://%s/%s", executionID, filename), nil
}

// Load reads back the bytes behind uri. Returns ArtifactMissingError
// if the backing file is gone — this is fatal for the run that
// triggers it, per the error taxonomy.
func (s *Store) Load(uri string) ([]byte, error) {
	rel, err := parseURI(uri)
	if err != nil {
		return nil, &coerr.ArtifactMissingError{URI: uri, Err: err}
	}
	path := filepath.Join(s.baseDir, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &coerr.ArtifactMissingError{URI: uri, Err: err}
	}
	return data, nil
}

func parseURI(uri string) (string, error) {
	const prefix = "artifact://"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("not an artifact uri: %q", uri)
	}
	return strings.TrimPrefix(uri, prefix), nil
}
