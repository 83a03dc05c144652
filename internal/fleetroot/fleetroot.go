// Package fleetroot validates the fleet root handed to the worker by
// its caller.
package fleetroot

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Resolve checks that raw names a usable fleet root: an absolute path
// to an existing directory holding a git repository. It returns the
// cleaned path. The repository working tree itself is owned by the
// caller; the worker only reads it.
func Resolve(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("fleet root is required")
	}
	if !filepath.IsAbs(raw) {
		return "", errors.Errorf("fleet root %q must be an absolute path", raw)
	}
	root := filepath.Clean(raw)

	info, err := os.Stat(root)
	if err != nil {
		return "", errors.Wrap(err, "fleet root")
	}
	if !info.IsDir() {
		return "", errors.Errorf("fleet root %s is not a directory", root)
	}

	// .git may be a directory or, in a worktree checkout, a file.
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return "", errors.Errorf("fleet root %s is not a git checkout", root)
	}
	return root, nil
}
