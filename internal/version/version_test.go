package version

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "versions"), nil)
	require.NoError(t, err)
	return s, dir
}

func snapshotCount(t *testing.T, s *Store) int {
	t.Helper()
	entries, err := os.ReadDir(s.snapDir)
	require.NoError(t, err)
	return len(entries)
}

func TestCreateIsIdempotent(t *testing.T) {
	s, dir := newStore(t)
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))

	v1, err := s.Create(context.Background(), file, "first")
	require.NoError(t, err)
	v2, err := s.Create(context.Background(), file, "again")
	require.NoError(t, err)

	assert.Equal(t, v1.ID, v2.ID)
	assert.Equal(t, 1, v1.Number)
	assert.Equal(t, 1, snapshotCount(t, s))
}

func TestCreateNewContent(t *testing.T) {
	s, dir := newStore(t)
	file := filepath.Join(dir, "notes.txt")

	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))
	v1, err := s.Create(context.Background(), file, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(file, []byte("version two"), 0o644))
	v2, err := s.Create(context.Background(), file, "")
	require.NoError(t, err)

	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, 2, v2.Number)

	versions, err := s.Versions(file)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v2.ID, versions[0].ID)

	diff, err := s.Diff(v1.ID, v2.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 9, diff.SizeDelta)
	assert.False(t, diff.Identical)
	assert.False(t, diff.NewTime.Before(diff.OldTime))
}

func TestRevertToOldContentReusesVersion(t *testing.T) {
	s, dir := newStore(t)
	file := filepath.Join(dir, "notes.txt")

	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))
	v1, err := s.Create(context.Background(), file, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))
	_, err = s.Create(context.Background(), file, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))
	again, err := s.Create(context.Background(), file, "")
	require.NoError(t, err)

	assert.Equal(t, v1.ID, again.ID)
	assert.Equal(t, 2, snapshotCount(t, s))
}

func TestRestore(t *testing.T) {
	s, dir := newStore(t)
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("original"), 0o644))
	v, err := s.Create(context.Background(), file, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(file, []byte("changed"), 0o644))
	target := filepath.Join(dir, "restored", "notes.txt")
	got, err := s.Restore(context.Background(), v.ID, target)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestCleanupKeepsNewest(t *testing.T) {
	s, dir := newStore(t)
	file := filepath.Join(dir, "notes.txt")

	var ids []string
	for _, content := range []string{"a", "bb", "ccc", "dddd"} {
		require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
		v, err := s.Create(context.Background(), file, "")
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}

	removed, err := s.Cleanup(file, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	versions, err := s.Versions(file)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, ids[3], versions[0].ID)
	assert.Equal(t, ids[2], versions[1].ID)
	assert.Equal(t, 2, snapshotCount(t, s))

	require.NoError(t, os.WriteFile(file, []byte("eeeee"), 0o644))
	v, err := s.Create(context.Background(), file, "")
	require.NoError(t, err)
	assert.Equal(t, 5, v.Number)
}

func TestDeleteUnknown(t *testing.T) {
	s, _ := newStore(t)
	assert.ErrorIs(t, s.Delete("nope"), ErrNotFound)
	_, err := s.Diff("a", "b")
	assert.ErrorIs(t, err, ErrNotFound)
}
