package restore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbm/internal/archive"
	"pbm/internal/crypto"
	"pbm/internal/manifest"
	"pbm/internal/model"
)

func backedUp(t *testing.T) (string, []model.FileBackupInfo) {
	t.Helper()
	dest := t.TempDir()
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var files []model.FileBackupInfo
	for rel, content := range map[string]string{"a.txt": "alpha", "sub/b.txt": "bravo"} {
		p := filepath.Join(dest, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		files = append(files, model.FileBackupInfo{RelPath: rel, DestPath: p, Size: int64(len(content)), ModTime: mtime, Copied: true})
	}
	return dest, files
}

func TestFromHistory(t *testing.T) {
	_, files := backedUp(t)
	target := t.TempDir()

	res, err := FromHistory(context.Background(), files, Options{Target: target})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, int64(10), res.Bytes)

	data, err := os.ReadFile(filepath.Join(target, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))

	_, err = FromHistory(context.Background(), files, Options{Target: target})
	assert.ErrorIs(t, err, ErrTargetExists)

	res, err = FromHistory(context.Background(), files, Options{Target: target, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
}

func TestFromHistoryDecryptsEncryptedCopies(t *testing.T) {
	_, files := backedUp(t)
	ctx := context.Background()
	_, err := crypto.EncryptFile(ctx, files[0].DestPath, "pw", nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(files[0].DestPath))

	target := t.TempDir()
	_, err = FromHistory(ctx, files, Options{Target: target})
	require.Error(t, err)

	res, err := FromHistory(ctx, files, Options{Target: target, Password: "pw", Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
}

func TestFromHistoryReportsMissing(t *testing.T) {
	_, files := backedUp(t)
	require.NoError(t, os.Remove(files[1].DestPath))

	res, err := FromHistory(context.Background(), files, Options{Target: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Equal(t, []string{files[1].RelPath}, res.Missing)
}

func TestTargetPathStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"../evil", "a/../../evil", "/etc/passwd"} {
		got, err := targetPath(root, rel)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, root+string(filepath.Separator)), got)
	}
}

func TestDryRun(t *testing.T) {
	_, files := backedUp(t)
	target := filepath.Join(t.TempDir(), "out")
	var out bytes.Buffer

	_, err := FromHistory(context.Background(), files, Options{Target: target, DryRun: true, Out: &out})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "DRY RUN")
	assert.NoDirExists(t, target)
}

func TestFilesFromManifest(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, manifest.Write(dest, &manifest.Run{
		HistoryID: "h1",
		Files:     []manifest.File{{Path: "a.txt", DestPath: filepath.Join(dest, "a.txt"), Size: 5, ModTime: 100, Copied: true}},
	}))

	task := &model.BackupTask{ID: "t", Destination: dest}
	files, err := Files(context.Background(), nil, task, "h1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].RelPath)
	assert.Equal(t, int64(100), files[0].ModTime.Unix())

	_, err = Files(context.Background(), nil, task, "unknown")
	assert.Error(t, err)
}

func TestFromArtifactPassword(t *testing.T) {
	dest, _ := backedUp(t)
	ctx := context.Background()

	zipPath, err := archive.Compress(ctx, dest, archive.Path(filepath.Join(t.TempDir(), "run")), model.CompressionNormal, nil)
	require.NoError(t, err)
	encrypted, err := crypto.EncryptFile(ctx, zipPath, "pw", nil)
	require.NoError(t, err)

	target := t.TempDir()
	require.Error(t, FromArtifact(ctx, encrypted, "", "", Options{Target: target}))
	require.NoError(t, FromArtifact(ctx, encrypted, "", "", Options{Target: target, Password: "pw"}))

	data, err := os.ReadFile(filepath.Join(target, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))
}

func TestFromArtifactAge(t *testing.T) {
	dest, _ := backedUp(t)
	ctx := context.Background()

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	zipPath, err := archive.Compress(ctx, dest, archive.Path(filepath.Join(t.TempDir(), "run")), model.CompressionFast, nil)
	require.NoError(t, err)
	hash, sealed, err := crypto.SealAge(ctx, zipPath, identity.Recipient())
	require.NoError(t, err)

	target := t.TempDir()
	require.Error(t, FromArtifact(ctx, sealed, "", "deadbeef", Options{Target: target, Identity: identity}))
	require.NoError(t, FromArtifact(ctx, sealed, "", hash, Options{Target: target, Identity: identity}))
	assert.FileExists(t, filepath.Join(target, "a.txt"))
}

func TestFromArtifactMissing(t *testing.T) {
	err := FromArtifact(context.Background(), filepath.Join(t.TempDir(), "gone.zip"), "", "", Options{Target: t.TempDir()})
	assert.Error(t, err)
}
