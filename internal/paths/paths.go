package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrInvalidID returned when an entity id fails validation
	ErrInvalidID = errors.New("invalid id")
)

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateID returns nil for canonical UUID strings, or ErrInvalidID.
// Ids end up in directory names, so anything else (separators, "..",
// drive letters) is refused up front.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id: %w", ErrInvalidID)
	}
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("id %q is not a uuid: %w", id, ErrInvalidID)
	}
	return nil
}

// ConfigDir is the per-repository directory holding catalyst state.
const ConfigDir = ".catalyst"

// ProfilesDir returns the workspace-local executor profile override
// directory for a repository root.
func ProfilesDir(repoRoot string) string {
	return filepath.Join(repoRoot, ConfigDir, "profiles")
}

// WorktreeName returns the directory name used for an attempt's worktree.
// Slashes in the branch are flattened so every worktree is an immediate
// child of the worktree root.
func WorktreeName(attemptID, branch string) (string, error) {
	if err := ValidateID(attemptID); err != nil {
		return "", err
	}
	flat := strings.NewReplacer("/", "-", "\\", "-").Replace(branch)
	flat = strings.ReplaceAll(flat, "..", "-")
	if flat == "" {
		return attemptID, nil
	}
	return flat, nil
}

// WorktreeDir returns the absolute worktree path for an attempt under root.
func WorktreeDir(root, attemptID, branch string) (string, error) {
	name, err := WorktreeName(attemptID, branch)
	if err != nil {
		return "", err
	}
	return SafeJoin(root, name)
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absJoined)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absJoined, nil
}
