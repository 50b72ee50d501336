package agentsession

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Mode is the permission policy for one agent session (spec.md §4.3
// Permission policy).
type Mode int

const (
	// ModeNormal auto-approves every permission request.
	ModeNormal Mode = iota
	// ModeReadOnly denies writes; terminal operations remain permitted so
	// the agent can run tests (used by the verification sub-session,
	// spec.md §4.4).
	ModeReadOnly
	// ModeWriteRestricted behaves like ModeNormal except writes outside
	// AllowedWritePaths are denied.
	ModeWriteRestricted
)

// toolProvider fulfills the agent's filesystem requests against
// projectRoot, recording every path written for the run loop's
// files_modified bookkeeping (spec.md §4.2 step 6).
type toolProvider struct {
	projectRoot       string
	mode              Mode
	allowedWritePaths []string

	mu            sync.Mutex
	filesModified map[string]struct{}
}

func newToolProvider(projectRoot string, mode Mode, allowedWritePaths []string) *toolProvider {
	return &toolProvider{
		projectRoot:       projectRoot,
		mode:              mode,
		allowedWritePaths: allowedWritePaths,
		filesModified:     make(map[string]struct{}),
	}
}

// resolve joins a path (relative or absolute) against the project root and
// returns the normalized absolute path plus its root-relative form used in
// files_modified bookkeeping.
func (p *toolProvider) resolve(path string) (abs, rel string) {
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(p.projectRoot, path)
	}
	rel, err := filepath.Rel(p.projectRoot, abs)
	if err != nil {
		rel = abs
	}
	return abs, rel
}

func (p *toolProvider) readTextFile(path string, offset, limit *int) (string, error) {
	abs, _ := p.resolve(path)
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("agentsession: read_text_file: %q not found", path)
		}
		return "", fmt.Errorf("agentsession: read_text_file %q: %w", path, err)
	}
	lines := strings.Split(string(data), "\n")
	start := 0
	if offset != nil && *offset > 0 {
		start = *offset
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// writeAllowed reports whether mode permits a write to the given
// root-relative path.
func (p *toolProvider) writeAllowed(rel string) bool {
	switch p.mode {
	case ModeReadOnly:
		return false
	case ModeWriteRestricted:
		for _, allowed := range p.allowedWritePaths {
			if rel == allowed || strings.HasPrefix(rel, strings.TrimSuffix(allowed, "/")+"/") {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (p *toolProvider) writeTextFile(path, content string) error {
	abs, rel := p.resolve(path)
	if !p.writeAllowed(rel) {
		return fmt.Errorf("agentsession: write_text_file: %q denied by permission policy", path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("agentsession: write_text_file %q: create parent dirs: %w", path, err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("agentsession: write_text_file %q: %w", path, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return fmt.Errorf("agentsession: write_text_file %q: rename: %w", path, err)
	}
	p.mu.Lock()
	p.filesModified[rel] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *toolProvider) filesModifiedList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.filesModified))
	for rel := range p.filesModified {
		out = append(out, rel)
	}
	return out
}

// resolvePermission answers a session/request_permission call per the
// policy table in spec.md §4.3. It never errors — "Never errors" is
// explicit in the spec's tool fulfillment contract.
func (p *toolProvider) resolvePermission(kind, path string) string {
	switch kind {
	case "terminal":
		return "allow"
	case "write":
		_, rel := p.resolve(path)
		if p.writeAllowed(rel) {
			return "allow"
		}
		return "deny"
	default:
		return "allow"
	}
}
