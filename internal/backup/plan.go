package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pbm/internal/archive"
	"pbm/internal/model"
	"pbm/internal/pattern"
)

// Change reasons recorded on each file.
const (
	ReasonFull      = "full"
	ReasonNew       = "new"
	ReasonModified  = "modified"
	ReasonResized   = "resized"
	ReasonUnchanged = "unchanged"
)

type sourceFile struct {
	Rel     string
	Abs     string
	Size    int64
	ModTime time.Time
}

type plannedFile struct {
	sourceFile
	Copy   bool
	Reason string
	// Base is the baseline record for files that are not copied.
	Base model.FileBackupInfo
}

type baselineKind int

const (
	noBaseline baselineKind = iota
	lastCompleted
	lastCompletedFull
)

// baselineFor selects which earlier run a mode diffs against.
func baselineFor(mode model.BackupMode) baselineKind {
	switch mode {
	case model.Incremental:
		return lastCompleted
	case model.Differential:
		return lastCompletedFull
	}
	return noBaseline
}

// enumerate walks source in lexical order and returns every regular file that
// is not excluded. Anything under skipDir (the destination when it is nested
// in the source) and its archives are ignored. Unreadable entries are skipped.
func enumerate(ctx context.Context, source, skipDir string, matcher *pattern.Matcher) ([]sourceFile, int, error) {
	var files []sourceFile
	excluded := 0
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == source {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir != "" && path == skipDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if skipDir != "" && strings.HasPrefix(path, archive.Path(skipDir)) {
			return nil
		}
		if matcher.Excluded(path) {
			excluded++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return nil
		}
		files = append(files, sourceFile{
			Rel:     filepath.ToSlash(rel),
			Abs:     path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to enumerate source: %w", err)
	}
	return files, excluded, nil
}

// nestedDir returns dest when it lies inside source.
func nestedDir(source, dest string) string {
	rel, err := filepath.Rel(source, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return dest
}

// diff decides for each file whether it must be copied. A nil baseline copies
// everything. Only modification time and size are compared.
func diff(files []sourceFile, baseline map[string]model.FileBackupInfo) []plannedFile {
	out := make([]plannedFile, 0, len(files))
	for _, f := range files {
		p := plannedFile{sourceFile: f, Copy: true}
		if baseline == nil {
			p.Reason = ReasonFull
			out = append(out, p)
			continue
		}
		base, ok := baseline[f.Rel]
		switch {
		case !ok:
			p.Reason = ReasonNew
		case f.ModTime.After(base.ModTime):
			p.Reason = ReasonModified
		case f.Size != base.Size:
			p.Reason = ReasonResized
		default:
			p.Copy = false
			p.Reason = ReasonUnchanged
			p.Base = base
		}
		out = append(out, p)
	}
	return out
}

func (s *Service) baseline(ctx context.Context, task *model.BackupTask) (map[string]model.FileBackupInfo, error) {
	switch baselineFor(task.Mode) {
	case lastCompleted:
		return s.store.LastBackupFiles(ctx, task.ID)
	case lastCompletedFull:
		return s.store.LastFullBackupFiles(ctx, task.ID)
	}
	return nil, nil
}

func (s *Service) plan(ctx context.Context, task *model.BackupTask) ([]plannedFile, int, error) {
	info, err := os.Stat(task.Source)
	if err != nil {
		return nil, 0, fmt.Errorf("source not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("source is not a directory: %s", task.Source)
	}

	matcher, err := pattern.New(task.Exclude)
	if err != nil {
		return nil, 0, err
	}
	files, excluded, err := enumerate(ctx, task.Source, nestedDir(task.Source, task.Destination), matcher)
	if err != nil {
		return nil, 0, err
	}

	baseline, err := s.baseline(ctx, task)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load baseline: %w", err)
	}
	// A mode with a baseline but no earlier run still diffs against an empty set.
	if baseline == nil && baselineFor(task.Mode) != noBaseline {
		baseline = map[string]model.FileBackupInfo{}
	}
	return diff(files, baseline), excluded, nil
}

type PreviewEntry struct {
	RelPath string
	Size    int64
	ModTime time.Time
	Reason  string
}

type Preview struct {
	TaskName   string
	Mode       model.BackupMode
	ToCopy     []PreviewEntry
	Unchanged  []PreviewEntry
	Excluded   int
	CopyBytes  int64
	TotalBytes int64
}

// Preview runs enumeration and the diff policy without touching the
// destination.
func (s *Service) Preview(ctx context.Context, task *model.BackupTask) (*Preview, error) {
	planned, excluded, err := s.plan(ctx, task)
	if err != nil {
		return nil, err
	}
	p := &Preview{TaskName: task.Name, Mode: task.Mode, Excluded: excluded}
	for _, f := range planned {
		e := PreviewEntry{RelPath: f.Rel, Size: f.Size, ModTime: f.ModTime, Reason: f.Reason}
		p.TotalBytes += f.Size
		if f.Copy {
			p.ToCopy = append(p.ToCopy, e)
			p.CopyBytes += f.Size
		} else {
			p.Unchanged = append(p.Unchanged, e)
		}
	}
	return p, nil
}
