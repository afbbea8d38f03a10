package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbm/internal/archive"
	"pbm/internal/crypto"
	"pbm/internal/manifest"
	"pbm/internal/model"
	"pbm/internal/store"
	"pbm/internal/version"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.SQLite) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pbm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(Options{Store: st}), st
}

func writeFile(t *testing.T, dir, rel, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newTask(t *testing.T, mode model.BackupMode) *model.BackupTask {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	return &model.BackupTask{
		ID:          "task-1",
		Name:        "docs",
		Source:      src,
		Destination: filepath.Join(root, "dst"),
		Mode:        mode,
		Enabled:     true,
	}
}

func copiedPaths(h *model.BackupHistory) []string {
	var out []string
	for _, f := range h.Files {
		if f.Copied {
			out = append(out, f.RelPath)
		}
	}
	sort.Strings(out)
	return out
}

func TestFullBackupCopiesEverything(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	writeFile(t, task.Source, "a.txt", "alpha", base)
	writeFile(t, task.Source, "sub/b.txt", "bravo", base)

	hist, err := svc.Start(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, model.Completed, hist.Status)
	assert.Equal(t, 2, hist.Success)
	assert.Equal(t, int64(10), hist.TotalSize)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, copiedPaths(hist))
	assert.False(t, hist.EndTime.IsZero())
	assert.Equal(t, model.Completed, task.Status())
	assert.Equal(t, model.Completed, task.LastStatus)

	data, err := os.ReadFile(filepath.Join(task.Destination, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))

	info, err := os.Stat(filepath.Join(task.Destination, "a.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(base))

	m, err := manifest.ReadLatest(task.Destination)
	require.NoError(t, err)
	assert.Equal(t, hist.ID, m.HistoryID)
	assert.Len(t, m.Files, 2)
}

func TestIncrementalCopiesOnlyChanges(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	task := newTask(t, model.Incremental)
	writeFile(t, task.Source, "a.txt", "alpha", base)
	writeFile(t, task.Source, "b.txt", "bravo", base)

	first, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	require.Equal(t, model.Completed, first.Status)
	assert.Equal(t, []string{"a.txt", "b.txt"}, copiedPaths(first))

	writeFile(t, task.Source, "b.txt", "bravo-2", base.Add(time.Hour))
	writeFile(t, task.Source, "c.txt", "charlie", base)

	second, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	require.Equal(t, model.Completed, second.Status)
	assert.Equal(t, []string{"b.txt", "c.txt"}, copiedPaths(second))
	assert.Equal(t, 1, second.Skipped)

	records, err := st.FileRecords(ctx, task.ID, second.ID)
	require.NoError(t, err)
	reasons := map[string]string{}
	for _, r := range records {
		reasons[r.RelPath] = r.Reason
	}
	assert.Equal(t, map[string]string{"a.txt": ReasonUnchanged, "b.txt": ReasonModified, "c.txt": ReasonNew}, reasons)
}

func TestDifferentialDiffsAgainstLastFull(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task := newTask(t, model.Full)
	writeFile(t, task.Source, "a.txt", "alpha", base)

	_, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)

	task.Mode = model.Incremental
	writeFile(t, task.Source, "b.txt", "bravo", base)
	incr, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, copiedPaths(incr))

	task.Mode = model.Differential
	writeFile(t, task.Source, "c.txt", "charlie", base)
	diffRun, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	// b.txt was only captured by the incremental run.
	assert.Equal(t, []string{"b.txt", "c.txt"}, copiedPaths(diffRun))

	again, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "c.txt"}, copiedPaths(again))
}

func TestIncrementalWithoutBaselineCopiesAll(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Incremental)
	writeFile(t, task.Source, "a.txt", "alpha", base)

	hist, err := svc.Start(context.Background(), task, nil)
	require.NoError(t, err)
	require.Len(t, hist.Files, 1)
	assert.Equal(t, ReasonNew, hist.Files[0].Reason)
}

func TestResizedFileIsCopied(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task := newTask(t, model.Incremental)
	writeFile(t, task.Source, "a.txt", "alpha", base)

	_, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)

	// Same mtime, different size.
	writeFile(t, task.Source, "a.txt", "alpha and more", base)
	hist, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	require.Len(t, hist.Files, 1)
	assert.Equal(t, ReasonResized, hist.Files[0].Reason)
}

func TestExcludedFilesAreSkipped(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	task.Exclude = []string{"*.tmp"}
	writeFile(t, task.Source, "keep.txt", "x", base)
	writeFile(t, task.Source, "drop.tmp", "y", base)

	preview, err := svc.Preview(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Excluded)
	require.Len(t, preview.ToCopy, 1)
	assert.Equal(t, "keep.txt", preview.ToCopy[0].RelPath)

	hist, err := svc.Start(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, copiedPaths(hist))
	assert.NoFileExists(t, filepath.Join(task.Destination, "drop.tmp"))
}

func TestPreviewDoesNotWrite(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	writeFile(t, task.Source, "a.txt", "alpha", base)

	p, err := svc.Preview(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.CopyBytes)
	assert.Len(t, p.ToCopy, 1)
	assert.NoDirExists(t, task.Destination)
}

func TestNestedDestinationIsNotBackedUp(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	task.Destination = filepath.Join(task.Source, "backup")
	writeFile(t, task.Source, "a.txt", "alpha", base)

	ctx := context.Background()
	_, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	hist, err := svc.Start(ctx, task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, copiedPaths(hist))
}

func TestMissingSourceFails(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	task.Source = filepath.Join(task.Source, "missing")

	hist, err := svc.Start(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, model.Failed, hist.Status)
	assert.Contains(t, hist.Error, "source not accessible")
	assert.Equal(t, model.Failed, task.Status())
}

func TestStopCancelsRun(t *testing.T) {
	svc, st := newService(t)
	task := newTask(t, model.Full)
	writeFile(t, task.Source, "a.txt", "alpha", base)
	writeFile(t, task.Source, "b.txt", "bravo", base)

	hist, err := svc.Start(context.Background(), task, func(p Progress) {
		if p.Stage == StageTransfer && p.File != "" {
			require.NoError(t, svc.Stop(task.ID))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, hist.Status)
	assert.Equal(t, model.Cancelled, task.Status())
	assert.False(t, svc.Running(task.ID))

	saved, err := st.GetHistory(context.Background(), hist.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, saved.Status)
}

func TestPauseAndResume(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	writeFile(t, task.Source, "a.txt", "alpha", base)
	writeFile(t, task.Source, "b.txt", "bravo", base)

	var once sync.Once
	resumed := make(chan struct{})
	hist, err := svc.Start(context.Background(), task, func(p Progress) {
		if p.Stage != StageTransfer || p.File == "" {
			return
		}
		once.Do(func() {
			require.NoError(t, svc.Pause(task.ID))
			assert.Equal(t, model.Paused, task.Status())
			go func() {
				defer close(resumed)
				time.Sleep(20 * time.Millisecond)
				assert.NoError(t, svc.Resume(task.ID))
			}()
		})
	})
	require.NoError(t, err)
	<-resumed
	assert.Equal(t, model.Completed, hist.Status)
	assert.Equal(t, 2, hist.Success)
}

func TestSecondStartIsRejected(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	writeFile(t, task.Source, "a.txt", "alpha", base)

	var nested error
	_, err := svc.Start(context.Background(), task, func(p Progress) {
		if p.Stage == StageScan && nested == nil {
			_, nested = svc.Start(context.Background(), task, nil)
		}
	})
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrAlreadyRunning)
}

func TestControlWithoutRun(t *testing.T) {
	svc, _ := newService(t)
	assert.ErrorIs(t, svc.Stop("nope"), ErrNotRunning)
	assert.ErrorIs(t, svc.Pause("nope"), ErrNotRunning)
	assert.ErrorIs(t, svc.Resume("nope"), ErrNotRunning)
}

func TestCompressAndEncryptArtifact(t *testing.T) {
	svc, _ := newService(t)
	task := newTask(t, model.Full)
	task.Compress = true
	task.CompressionLevel = model.CompressionNormal
	task.Encrypt = true
	task.Password = "hunter2"
	writeFile(t, task.Source, "a.txt", "alpha", base)

	hist, err := svc.Start(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, model.Completed, hist.Status)

	plain := archive.Path(task.Destination)
	assert.Equal(t, plain+crypto.EncryptedSuffix, hist.Artifact)
	assert.NoFileExists(t, plain)

	ctx := context.Background()
	decrypted, err := crypto.DecryptFile(ctx, hist.Artifact, "hunter2", nil)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, archive.Extract(ctx, decrypted, out, nil))
	data, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestVersioningKeepsSnapshots(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pbm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	versions, err := version.New(t.TempDir(), nil)
	require.NoError(t, err)
	svc := New(Options{Store: st, Versions: versions})

	ctx := context.Background()
	task := newTask(t, model.Full)
	task.Versioning = true
	task.VersionsKept = 2
	for i, content := range []string{"v1", "v2", "v3"} {
		writeFile(t, task.Source, "a.txt", content, base.Add(time.Duration(i)*time.Hour))
		_, err := svc.Start(ctx, task, nil)
		require.NoError(t, err)
	}

	list, err := versions.Versions(filepath.Join(task.Destination, "a.txt"))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDiffPolicy(t *testing.T) {
	files := []sourceFile{
		{Rel: "same", Size: 1, ModTime: base},
		{Rel: "newer", Size: 1, ModTime: base.Add(time.Second)},
		{Rel: "older", Size: 1, ModTime: base.Add(-time.Second)},
		{Rel: "grown", Size: 2, ModTime: base},
		{Rel: "added", Size: 1, ModTime: base},
	}
	baseline := map[string]model.FileBackupInfo{
		"same":  {RelPath: "same", Size: 1, ModTime: base},
		"newer": {RelPath: "newer", Size: 1, ModTime: base},
		"older": {RelPath: "older", Size: 1, ModTime: base},
		"grown": {RelPath: "grown", Size: 1, ModTime: base},
	}

	got := map[string]string{}
	for _, p := range diff(files, baseline) {
		got[p.Rel] = p.Reason
	}
	assert.Equal(t, map[string]string{
		"same":  ReasonUnchanged,
		"newer": ReasonModified,
		"older": ReasonUnchanged,
		"grown": ReasonResized,
		"added": ReasonNew,
	}, got)

	for _, p := range diff(files, nil) {
		assert.True(t, p.Copy)
		assert.Equal(t, ReasonFull, p.Reason)
	}
}

type recorder struct {
	mu       sync.Mutex
	progress []float64
	success  int
}

func (r *recorder) Info(string, string)    {}
func (r *recorder) Warning(string, string) {}
func (r *recorder) Error(string, string)   {}

func (r *recorder) Success(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success++
}

func (r *recorder) Progress(_, _ string, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func TestProgressTicksEveryTenPercent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pbm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec := &recorder{}
	svc := New(Options{Store: st, Notifier: rec})

	task := newTask(t, model.Full)
	for i := range 20 {
		writeFile(t, task.Source, filepath.Join("d", string(rune('a'+i))+".txt"), "x", base)
	}

	_, err = svc.Start(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, rec.progress)
	assert.Equal(t, 1, rec.success)
	assert.Equal(t, int64(20), task.Progress().ProcessedFiles)
}
