package digest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	require.NoError(t, os.WriteFile(a, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(c, []byte("world"), 0o644))

	ha, err := File(a)
	require.NoError(t, err)
	hb, err := File(b)
	require.NoError(t, err)
	hc, err := File(c)
	require.NoError(t, err)

	assert.Len(t, ha, 64)
	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
	assert.Equal(t, Bytes([]byte("hello")), ha)
}

func TestFileContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FileContext(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransferID(t *testing.T) {
	id := TransferID("/src/a", "/dst/a")
	assert.Len(t, id, 32)
	assert.Equal(t, id, TransferID("/src/a", "/dst/a"))
	assert.NotEqual(t, id, TransferID("/dst/a", "/src/a"))
}
