// Package access confines filesystem operations to a configured root
// directory. Every predicate probes the target with the intended open mode,
// checks file-vs-directory, then canonicalizes the path and requires the root
// as a prefix, so symlinks pointing out of the tree are rejected.
package access

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard holds the canonical root established at startup.
type Guard struct {
	root string
}

// NewGuard canonicalizes root and verifies it is an accessible directory.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s: not a directory", root)
	}
	return &Guard{root: canonical}, nil
}

// Root returns the canonical root path.
func (g *Guard) Root() string { return g.root }

// ReadAccess reports whether path is a readable regular file under the root.
func (g *Guard) ReadAccess(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	return g.confined(path)
}

// WriteAccess reports whether path can be opened for writing with flags on
// top of O_CREATE. The probe itself creates a missing target, mirroring the
// open(2) permission check it stands in for.
func (g *Guard) WriteAccess(path string, flags int) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|flags, 0600)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	return g.confined(path)
}

// FolderAccess reports whether path is a readable directory under the root.
func (g *Guard) FolderAccess(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.IsDir() {
		return false
	}
	return g.confined(path)
}

// confined canonicalizes path and checks the root byte-prefix.
func (g *Guard) confined(path string) bool {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	return canonical == g.root || strings.HasPrefix(canonical, g.root+string(filepath.Separator))
}
