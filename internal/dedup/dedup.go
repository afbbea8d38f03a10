package dedup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pbm/internal/digest"
)

// ProgressFunc receives overall completion in percent.
type ProgressFunc func(percent float64)

type Strategy int

const (
	KeepOldest Strategy = iota
	KeepNewest
	KeepShortestPath
)

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "oldest", "":
		return KeepOldest, nil
	case "newest":
		return KeepNewest, nil
	case "shortest", "shortest-path":
		return KeepShortestPath, nil
	}
	return KeepOldest, fmt.Errorf("unknown removal strategy: %s", s)
}

type File struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    string
}

// Group is a set of files with identical content, sorted by path.
type Group struct {
	Hash  string
	Size  int64
	Files []File
}

type Result struct {
	Groups               []Group
	TotalDuplicateFiles  int
	TotalDuplicateSize   int64
	PotentialSpaceSaving int64
	Duration             time.Duration
}

type Detector struct {
	logger  *slog.Logger
	workers int
}

func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger, workers: runtime.NumCPU()}
}

func report(progress ProgressFunc, pct float64) {
	if progress != nil {
		progress(pct)
	}
}

// collect walks roots and returns each regular file once, even when roots
// overlap.
func collect(ctx context.Context, roots ...string) ([]File, error) {
	var files []File
	seen := make(map[string]bool)
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			key, err := filepath.Abs(path)
			if err != nil {
				key = filepath.Clean(path)
			}
			if seen[key] {
				return nil
			}
			seen[key] = true
			info, err := d.Info()
			if err != nil {
				return nil
			}
			files = append(files, File{Path: path, Size: info.Size(), ModTime: info.ModTime()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	return files, nil
}

// Scan reports groups of identical files under dir. Files are first grouped
// by size and only same-size candidates are hashed.
func (d *Detector) Scan(ctx context.Context, dir string, progress ProgressFunc) (*Result, error) {
	return d.scan(ctx, []string{dir}, progress, nil)
}

// Compare reports duplicate groups that have members under both dirA and dirB.
func (d *Detector) Compare(ctx context.Context, dirA, dirB string, progress ProgressFunc) (*Result, error) {
	return d.scan(ctx, []string{dirA, dirB}, progress, func(g Group) bool {
		var inA, inB bool
		for _, f := range g.Files {
			inA = inA || within(dirA, f.Path)
			inB = inB || within(dirB, f.Path)
		}
		return inA && inB
	})
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (d *Detector) scan(ctx context.Context, roots []string, progress ProgressFunc, keep func(Group) bool) (*Result, error) {
	start := time.Now()
	files, err := collect(ctx, roots...)
	if err != nil {
		return nil, err
	}

	bySize := make(map[int64][]File)
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bySize[f.Size] = append(bySize[f.Size], f)
		report(progress, float64(i+1)/float64(len(files))*50)
	}

	var candidates []File
	for _, group := range bySize {
		if len(group) > 1 {
			candidates = append(candidates, group...)
		}
	}

	hashed, err := d.hashAll(ctx, candidates, progress)
	if err != nil {
		return nil, err
	}

	byHash := make(map[string][]File)
	for _, f := range hashed {
		byHash[f.Hash] = append(byHash[f.Hash], f)
	}

	res := &Result{}
	for hash, members := range byHash {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })
		g := Group{Hash: hash, Size: members[0].Size, Files: members}
		if keep != nil && !keep(g) {
			continue
		}
		res.Groups = append(res.Groups, g)
		res.TotalDuplicateFiles += len(members) - 1
		res.TotalDuplicateSize += g.Size * int64(len(members)-1)
	}
	sort.Slice(res.Groups, func(i, j int) bool {
		if res.Groups[i].Size == res.Groups[j].Size {
			return res.Groups[i].Hash < res.Groups[j].Hash
		}
		return res.Groups[i].Size > res.Groups[j].Size
	})
	res.PotentialSpaceSaving = res.TotalDuplicateSize
	res.Duration = time.Since(start)
	report(progress, 100)

	d.logger.Info("Duplicate scan finished",
		"files", len(files), "hashed", len(hashed), "groups", len(res.Groups), "saving", res.PotentialSpaceSaving)
	return res, nil
}

// hashAll hashes files in parallel. Files that cannot be read are skipped.
func (d *Detector) hashAll(ctx context.Context, files []File, progress ProgressFunc) ([]File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	var (
		mu     sync.Mutex
		out    = make([]File, 0, len(files))
		hashed atomic.Int64
	)
	for _, f := range files {
		g.Go(func() error {
			sum, err := digest.FileContext(gctx, f.Path)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.logger.Warn("Skipping unreadable file", "file", f.Path, "error", err)
			} else {
				f.Hash = sum
				mu.Lock()
				out = append(out, f)
				mu.Unlock()
			}
			n := hashed.Add(1)
			report(progress, 50+float64(n)/float64(len(files))*50)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func survivor(g Group, strategy Strategy) File {
	best := g.Files[0]
	for _, f := range g.Files[1:] {
		switch strategy {
		case KeepOldest:
			if f.ModTime.Before(best.ModTime) {
				best = f
			}
		case KeepNewest:
			if f.ModTime.After(best.ModTime) {
				best = f
			}
		case KeepShortestPath:
			if len(f.Path) < len(best.Path) {
				best = f
			}
		}
	}
	return best
}

// Remove deletes every member of each group except the survivor chosen by
// strategy. Individual failures are logged and skipped.
func (d *Detector) Remove(res *Result, strategy Strategy) int {
	removed := 0
	for _, g := range res.Groups {
		if len(g.Files) < 2 {
			continue
		}
		keep := survivor(g, strategy)
		for _, f := range g.Files {
			if f.Path == keep.Path {
				continue
			}
			if err := os.Remove(f.Path); err != nil {
				d.logger.Warn("Failed to remove duplicate", "file", f.Path, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

// HardLink replaces all but the first member of each group with a hard link
// to it. Members already linked to the survivor are left alone.
func (d *Detector) HardLink(res *Result) int {
	linked := 0
	for _, g := range res.Groups {
		if len(g.Files) < 2 {
			continue
		}
		src := g.Files[0].Path
		srcInfo, err := os.Stat(src)
		if err != nil {
			d.logger.Warn("Survivor missing", "file", src, "error", err)
			continue
		}
		for _, f := range g.Files[1:] {
			if info, err := os.Stat(f.Path); err == nil && os.SameFile(srcInfo, info) {
				continue
			}
			if err := link(src, f.Path); err != nil {
				d.logger.Warn("Failed to hard link duplicate", "file", f.Path, "error", err)
				continue
			}
			linked++
		}
	}
	return linked
}

// link creates the hard link under a temporary name and renames it over
// target so target is never missing.
func link(src, target string) error {
	tmp := target + ".pbm-link"
	os.Remove(tmp)
	if err := os.Link(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
