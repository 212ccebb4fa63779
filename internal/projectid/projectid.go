// Package projectid derives the stable, deterministic identifier for a
// project from its canonical filesystem path.
package projectid

import (
	"encoding/hex"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// ID is a 16-hex-character project identifier.
type ID string

// Canonicalize resolves path to its absolute, symlink-resolved form. This
// is the sole input accepted by From, so two different spellings of the
// same project always collapse to one ID.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.ErrInternal, "resolving absolute path", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (a project can be named before its
		// directory is created); fall back to the absolute form.
		return abs, nil
	}
	return resolved, nil
}

// From derives a ProjectId from an already-canonicalized absolute path,
// encoded as UTF-8 bytes per the schema marker written by internal/project.
// The digest is the Blake3 hash of those bytes, truncated to 8 bytes (16
// hex characters).
func From(canonicalPath string) ID {
	sum := blake3.Sum256([]byte(canonicalPath))
	return ID(hex.EncodeToString(sum[:8]))
}

// FromPath canonicalizes path and derives its ID in one step.
func FromPath(path string) (ID, string, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return "", "", err
	}
	return From(canonical), canonical, nil
}
