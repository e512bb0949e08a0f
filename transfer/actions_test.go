package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListLongDropsTotalLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("y"), 0600))

	var buf bytes.Buffer
	require.NoError(t, List(context.Background(), dir, true, &buf))

	out := buf.String()
	assert.NotContains(t, out, "total")
	assert.Contains(t, out, "one.txt")
	assert.Contains(t, out, "two.txt")
}

func TestListShortIsOneNamePerLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0600))

	var buf bytes.Buffer
	require.NoError(t, List(context.Background(), dir, false, &buf))

	lines := strings.Fields(buf.String())
	assert.Equal(t, []string{"a", "b"}, lines)
}

func TestListQuotesAwkwardNames(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "with space's")
	require.NoError(t, os.Mkdir(sub, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner"), nil, 0600))

	var buf bytes.Buffer
	require.NoError(t, List(context.Background(), sub, false, &buf))
	assert.Contains(t, buf.String(), "inner")
}

func TestStoreAndRetrieve(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "payload.bin")
	payload := []byte("store me")

	require.NoError(t, Store(context.Background(), target, os.O_TRUNC, bytes.NewReader(payload)))

	var buf bytes.Buffer
	require.NoError(t, Retrieve(context.Background(), target, &buf))
	assert.Equal(t, payload, buf.Bytes())
}

func TestStoreAppend(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "log.txt")

	require.NoError(t, Store(context.Background(), target, os.O_TRUNC, strings.NewReader("one")))
	require.NoError(t, Store(context.Background(), target, os.O_APPEND, strings.NewReader("two")))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(got))
}

func TestStoreCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Store(ctx, filepath.Join(t.TempDir(), "f"), os.O_TRUNC, strings.NewReader("data"))
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/tmp/plain'", shellQuote("/tmp/plain"))
	assert.Equal(t, `'/tmp/o'\''brien'`, shellQuote("/tmp/o'brien"))
}
