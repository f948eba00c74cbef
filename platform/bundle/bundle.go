package bundle

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// refPattern matches a content-hash ref: 64 hex characters.
var refPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Bundle is a content-addressed directory: every file is named by the
// hex sha256 of its content. Resolve verifies the name against the
// content on every read, so a tampered or truncated bundle never loads.
type Bundle struct {
	dir string
}

// Open validates the bundle directory.
func Open(dir string) (*Bundle, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fault.Wrap(fault.KindBundleIntegrity, err, "opening bundle %q", dir)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.KindBundleIntegrity, "bundle path %q is not a directory", dir)
	}
	return &Bundle{dir: dir}, nil
}

// Resolve reads the file a ref names and verifies its content hash.
func (b *Bundle) Resolve(ref string) ([]byte, error) {
	if !refPattern.MatchString(ref) {
		return nil, fault.New(fault.KindBundleIntegrity, "malformed content ref %q", ref)
	}
	raw, err := os.ReadFile(filepath.Join(b.dir, ref))
	if err != nil {
		return nil, fault.Wrap(fault.KindBundleIntegrity, err, "resolving ref %s", ref)
	}
	if got := state.HashBytes(raw); got != ref {
		return nil, fault.New(fault.KindBundleIntegrity,
			"ref %s content hash mismatch (got %s)", ref, got)
	}
	return raw, nil
}

// Refs lists the content refs present in the bundle.
func (b *Bundle) Refs() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fault.Wrap(fault.KindBundleIntegrity, err, "listing bundle %q", b.dir)
	}
	var refs []string
	for _, e := range entries {
		if !e.IsDir() && refPattern.MatchString(e.Name()) {
			refs = append(refs, e.Name())
		}
	}
	return refs, nil
}

// Write stores content under its hash and returns the ref. Used by
// tests and by tooling that assembles bundles.
func (b *Bundle) Write(content []byte) (string, error) {
	ref := state.HashBytes(content)
	if err := os.WriteFile(filepath.Join(b.dir, ref), content, 0o644); err != nil {
		return "", fault.Wrap(fault.KindBundleIntegrity, err, "writing ref %s", ref)
	}
	return ref, nil
}
