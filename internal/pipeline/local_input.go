package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideInputRoot marks a local_file object key that does not resolve
// under the configured input root.
var ErrOutsideInputRoot = errors.New("local input is outside the input root")

// ResolveLocalInput maps a local_file object key to a path under root.
// Relative keys are taken relative to root. Symlinks are followed before the
// containment check, so a link inside root cannot point out of it. An empty
// root admits nothing. A key that passes the lexical check but does not exist
// yet returns an error wrapping os.ErrNotExist.
func ResolveLocalInput(root, key string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: no input root configured", ErrOutsideInputRoot)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty object key", ErrOutsideInputRoot)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve input root: %w", err)
	}
	target := key
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)
	if !within(absRoot, target) {
		return "", fmt.Errorf("%w: %s", ErrOutsideInputRoot, key)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve input root: %w", err)
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", fmt.Errorf("resolve input %s: %w", key, err)
	}
	if !within(realRoot, realTarget) {
		return "", fmt.Errorf("%w: %s", ErrOutsideInputRoot, key)
	}
	return realTarget, nil
}

// CheckInputRoot reports whether root names an existing directory. An empty
// root is accepted and disables local_file sources.
func CheckInputRoot(root string) error {
	if strings.TrimSpace(root) == "" {
		return nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("input root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input root %s is not a directory", root)
	}
	return nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
