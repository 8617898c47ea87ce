// Package pathguard canonicalizes and confines user-supplied paths to a
// vault root, rejecting traversal and platform-reserved names.
//
// Grounded on the teacher CLI's pkg/obsidian/path_safety.go
// (SafeJoinVaultPath) and path_validation.go (ValidatePath), generalized
// here into a component with its own Resolve/Relative operations and
// symlink-aware canonicalization, since the teacher's version only
// filepath.Cleans and string-prefixes without resolving symlinks.
package pathguard

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/atomicobject/vaultd/internal/vaulterr"
)

const op = "pathguard"

// reservedNames are Windows-reserved device names; rejected on every
// platform so vaults stay portable across operating systems.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// ValidateFileName rejects empty names, embedded NULs, trailing dot/space,
// and platform-reserved device names, independent of any vault root.
func ValidateFileName(name string) error {
	if name == "" {
		return vaulterr.New(vaulterr.Io, op, "file name cannot be empty").WithSubkind(vaulterr.InvalidFileName)
	}
	if strings.ContainsRune(name, 0) {
		return vaulterr.New(vaulterr.Io, op, "file name contains a NUL byte").WithSubkind(vaulterr.InvalidFileName)
	}
	trimmed := strings.TrimRight(name, " .")
	if trimmed == "" {
		return vaulterr.New(vaulterr.Io, op, "file name cannot be only dots or spaces").WithSubkind(vaulterr.InvalidFileName)
	}
	base := strings.ToUpper(strings.TrimSuffix(trimmed, filepath.Ext(trimmed)))
	if _, reserved := reservedNames[base]; reserved {
		return vaulterr.New(vaulterr.Io, op, "file name is a reserved platform name: "+name).WithSubkind(vaulterr.InvalidFileName)
	}
	return nil
}

// Resolve canonicalizes root joined with userPath and returns the absolute
// result, but only if it is root or a descendant of root after resolving
// `..` segments and symlinks. userPath may use forward or backward slashes
// and need not exist yet (e.g. for create); in that case the deepest
// existing ancestor is the one symlink-resolved, so a symlinked
// intermediate directory that escapes root is still caught.
func Resolve(root, userPath string) (string, error) {
	if filepath.IsAbs(userPath) {
		return "", vaulterr.New(vaulterr.Io, op, "absolute paths are not allowed: "+userPath).WithSubkind(vaulterr.PathTraversal)
	}

	cleaned := strings.ReplaceAll(strings.TrimSpace(userPath), `\`, "/")
	cleaned = filepath.Clean(filepath.FromSlash(cleaned))
	if cleaned == "" || cleaned == "." {
		return "", vaulterr.New(vaulterr.Io, op, "path cannot be empty").WithSubkind(vaulterr.InvalidFileName)
	}

	for _, segment := range strings.Split(filepath.ToSlash(cleaned), "/") {
		// ".." is left to the root-confinement check below, which reports
		// an escape as PathTraversal.
		if segment == "" || segment == "." || segment == ".." {
			continue
		}
		if err := ValidateFileName(segment); err != nil {
			return "", err
		}
	}

	canonRoot, err := canonicalize(root)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.Io, op, root, err)
	}

	joined := filepath.Join(canonRoot, cleaned)
	resolved, err := resolveExistingAncestor(joined)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.Io, op, userPath, err)
	}

	if resolved != canonRoot && !strings.HasPrefix(resolved, canonRoot+string(filepath.Separator)) {
		return "", vaulterr.New(vaulterr.Io, op, "path escapes vault root: "+userPath).WithSubkind(vaulterr.PathTraversal)
	}

	return resolved, nil
}

// Relative is the inverse of Resolve: it returns abs relative to root,
// forward-slash separated, failing if abs is not under root.
func Relative(root, abs string) (string, error) {
	canonRoot, err := canonicalize(root)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.Io, op, root, err)
	}
	absClean := filepath.Clean(abs)
	if absClean != canonRoot && !strings.HasPrefix(absClean, canonRoot+string(filepath.Separator)) {
		return "", vaulterr.New(vaulterr.Io, op, "path is not under vault root: "+abs).WithSubkind(vaulterr.PathTraversal)
	}
	rel, err := filepath.Rel(canonRoot, absClean)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}
	return filepath.ToSlash(rel), nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// Root itself must exist per the Vault invariant (§3); any other
	// failure to resolve symlinks on an existing path is a real error,
	// but a not-yet-created root is handled by the caller's own checks.
	return abs, nil
}

// resolveExistingAncestor walks up from path until it finds a component
// that exists, symlink-resolves that ancestor, and rejoins the remaining
// (not-yet-created) suffix onto it. This catches traversal through a
// symlinked directory even when the final path component does not exist.
func resolveExistingAncestor(path string) (string, error) {
	if _, err := os.Lstat(path); err == nil {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return "", err
		}
		return resolved, nil
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolvedParent, err := resolveExistingAncestor(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}
