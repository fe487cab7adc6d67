package patch

import (
	"path/filepath"
	"strings"
)

// ResolvePath joins rel onto root and rejects absolute paths and any path
// that leaves root. It does no IO.
func ResolvePath(root, rel string) (string, error) {
	if rel == "" || rel == devNull {
		return "", newError(CodeForbiddenPath, rel, "empty path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", newError(CodeForbiddenPath, rel, "absolute paths are not allowed")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", newError(CodeForbiddenPath, rel, "invalid root: %v", err)
	}
	target := filepath.Join(absRoot, filepath.FromSlash(rel))
	within, err := filepath.Rel(absRoot, target)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", newError(CodeForbiddenPath, rel, "path escapes the root directory")
	}
	return target, nil
}

// checkSymlinks rejects targets whose existing ancestors resolve outside
// root through a symlink.
func checkSymlinks(root, target, rel string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return newError(CodeIOFailed, rel, "resolve root: %v", err)
	}
	realRoot, _ = filepath.Abs(realRoot)
	dir := target
	for {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			within, err := filepath.Rel(realRoot, real)
			if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
				return newError(CodeForbiddenPath, rel, "path escapes the root directory through a symlink")
			}
			return nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
