// Package fileutil provides filesystem helpers for the loopback host. It
// has no protocol dependencies.
package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a requested path escapes the configured
// root via ".." traversal or a symlink.
var ErrForbiddenPath = errors.New("forbidden path")

// ConfinePath resolves p against root and returns the absolute path. The
// bridge side sends descriptor paths verbatim from the session request, so
// a confined host must treat them as untrusted. ConfinePath rejects:
//   - empty p
//   - paths that escape root via ".." traversal or symlink
//
// Absolute paths are reinterpreted relative to root, so "/etc/passwd"
// confines to root/etc/passwd.
func ConfinePath(root, p string) (string, error) {
	if p == "" {
		return "", ErrForbiddenPath
	}

	rel := strings.TrimPrefix(p, "/")
	// filepath.Join cleans ".." segments against root.
	abs := filepath.Join(root, filepath.FromSlash(rel))

	cleanRoot := filepath.Clean(root)
	if !strings.HasPrefix(abs, cleanRoot+string(os.PathSeparator)) && abs != cleanRoot {
		return "", ErrForbiddenPath
	}

	// Resolve symlinks to defeat symlink-escape attacks.
	// If abs does not yet exist, walk up until we find an existing ancestor.
	resolved, err := resolveExisting(abs, cleanRoot)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !strings.HasPrefix(resolved, cleanRoot+string(os.PathSeparator)) && resolved != cleanRoot {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

// resolveExisting walks up the path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor. Returns the real path of the deepest
// existing component.
func resolveExisting(abs, root string) (string, error) {
	cur := abs
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			// Path exists — resolve symlinks.
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, root) {
			// Reached fs root or left root — just return root as safe anchor.
			return root, nil
		}
		cur = parent
	}
}
