package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "documents", want: "documents"},
		{name: "spaces", in: "My Photos", want: "My_Photos"},
		{name: "separators", in: "a/b\\c", want: "a_b_c"},
		{name: "only symbols", in: "***", want: "task"},
		{name: "keeps dots and dashes", in: "db-dump.daily", want: "db-dump.daily"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskSlug(tt.in))
		})
	}
}

func TestPaths(t *testing.T) {
	base := "/var/lib/pbm"
	assert.Equal(t, "/var/lib/pbm/run/My_Photos.lock", LockPath(base, "My Photos"))
	assert.Equal(t, "/var/lib/pbm/checkpoints", CheckpointDir(base))
	assert.Equal(t, "/var/lib/pbm/versions", VersionDir(base))
	assert.Equal(t, "/var/lib/pbm/logs/2024-01-15.log",
		LogPath(base, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)))
}

func TestSetupDirectories(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "b")
	c := filepath.Join(root, "c")

	require.NoError(t, SetupDirectories(a, c))
	assert.DirExists(t, a)
	assert.DirExists(t, c)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	n, err := CopyFile(context.Background(), src, dst)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestCopyFileCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CopyFile(ctx, src, dst)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dst)
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 5), 0o644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 15, size)
}
