// Package pathutil resolves untrusted relative names, such as archive
// entries, under a fixed root.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// hasDotSegments reports whether any slash-separated segment is "." or "..".
func hasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Within joins name onto root and refuses anything that would land outside
// it. A single leading "./" is allowed, as tar writes it; any other dot
// segment is rejected rather than cleaned.
func Within(root, name string) (string, error) {
	slashed := strings.TrimSuffix(filepath.ToSlash(name), "/")
	if slashed == "" || strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) {
		return "", xerrors.Newf("invalid path %q", name)
	}
	if strings.ContainsRune(slashed, 0) {
		return "", xerrors.Newf("path %q contains a NUL byte", name)
	}
	slashed = strings.TrimPrefix(slashed, "./")
	if slashed == "" || hasDotSegments(slashed) {
		return "", xerrors.Newf("path %q escapes %s", name, root)
	}

	target := filepath.Join(root, filepath.FromSlash(slashed))
	cleanRoot := filepath.Clean(root) + string(os.PathSeparator)
	if !strings.HasPrefix(target+string(os.PathSeparator), cleanRoot) {
		return "", xerrors.Newf("path %q escapes %s", name, root)
	}
	return target, nil
}
