package access

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*Guard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := NewGuard(root)
	require.NoError(t, err)
	return g, g.Root()
}

func TestNewGuardRejectsMissingRoot(t *testing.T) {
	_, err := NewGuard(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestNewGuardRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	_, err := NewGuard(file)
	assert.Error(t, err)
}

func TestReadAccess(t *testing.T) {
	g, root := newTestGuard(t)

	file := filepath.Join(root, "readable.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	assert.True(t, g.ReadAccess(file))
	assert.False(t, g.ReadAccess(filepath.Join(root, "missing.txt")))
	assert.False(t, g.ReadAccess(root), "directories are not readable files")
}

func TestWriteAccessCreatesTarget(t *testing.T) {
	g, root := newTestGuard(t)

	file := filepath.Join(root, "new.txt")
	assert.True(t, g.WriteAccess(file, 0))

	// The probe stands in for open(2); the target now exists.
	_, err := os.Stat(file)
	assert.NoError(t, err)
}

func TestFolderAccess(t *testing.T) {
	g, root := newTestGuard(t)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0700))

	assert.True(t, g.FolderAccess(sub))
	assert.True(t, g.FolderAccess(root))

	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	assert.False(t, g.FolderAccess(file))
	assert.False(t, g.FolderAccess(filepath.Join(root, "missing")))
}

func TestSymlinkEscapeRejected(t *testing.T) {
	g, root := newTestGuard(t)

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s"), 0600))

	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	assert.False(t, g.FolderAccess(link))
	assert.False(t, g.ReadAccess(filepath.Join(link, "secret.txt")))
}

func TestParentEscapeRejected(t *testing.T) {
	g, root := newTestGuard(t)

	parent := filepath.Dir(root)
	assert.False(t, g.FolderAccess(parent))
}
