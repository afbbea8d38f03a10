package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pbm/internal/digest"
	"pbm/internal/model"
	"pbm/internal/util"
)

var ErrNotFound = errors.New("version not found")

type Diff struct {
	SizeDelta int64
	Identical bool
	OldTime   time.Time
	NewTime   time.Time
}

// Store keeps content-addressed snapshots of individual files. Snapshots
// live in <dir>/snapshots/<id>.ver with YAML metadata in <dir>/meta/<id>.yaml.
type Store struct {
	snapDir string
	metaDir string
	logger  *slog.Logger

	mu sync.Mutex
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		snapDir: filepath.Join(dir, "snapshots"),
		metaDir: filepath.Join(dir, "meta"),
		logger:  logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := util.SetupDirectories(s.snapDir, s.metaDir); err != nil {
		return nil, err
	}
	return s, nil
}

func normalize(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.metaDir, id+".yaml")
}

// Create snapshots path unless a version with the same content hash already
// exists for it, in which case that version is returned unchanged.
func (s *Store) Create(ctx context.Context, path, comment string) (*model.FileVersion, error) {
	path = normalize(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	hash, err := digest.FileContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.list(path)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, v := range existing {
		if v.Hash == hash {
			return v, nil
		}
		if v.Number >= next {
			next = v.Number + 1
		}
	}

	v := &model.FileVersion{
		ID:           uuid.NewString(),
		OriginalPath: path,
		CreatedAt:    time.Now(),
		Size:         info.Size(),
		Hash:         hash,
		Comment:      comment,
		Number:       next,
	}
	v.StoredPath = filepath.Join(s.snapDir, v.ID+".ver")

	if _, err := util.CopyFile(ctx, path, v.StoredPath); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}
	if err := s.writeMeta(v); err != nil {
		os.Remove(v.StoredPath)
		return nil, err
	}

	s.logger.Debug("Version created", "file", path, "number", v.Number, "hash", hash)
	return v, nil
}

// Versions lists versions of path, newest first.
func (s *Store) Versions(path string) ([]*model.FileVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(normalize(path))
}

// All lists every stored version, newest first.
func (s *Store) All() ([]*model.FileVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list("")
}

func (s *Store) Get(id string) (*model.FileVersion, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v model.FileVersion
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse version metadata: %w", err)
	}
	return &v, nil
}

// Restore copies a snapshot to target, overwriting it.
func (s *Store) Restore(ctx context.Context, id, target string) (string, error) {
	v, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(v.StoredPath); err != nil {
		return "", fmt.Errorf("snapshot file missing: %w", err)
	}
	if _, err := util.CopyFile(ctx, v.StoredPath, target); err != nil {
		return "", fmt.Errorf("failed to restore version: %w", err)
	}
	return target, nil
}

func (s *Store) Delete(id string) error {
	v, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := os.Remove(v.StoredPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	return nil
}

// Cleanup keeps the keep most recently created versions of path and deletes
// the rest. It returns the number removed.
func (s *Store) Cleanup(path string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	versions, err := s.Versions(path)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}

	var errs []error
	removed := 0
	for _, v := range versions[keep:] {
		if err := s.Delete(v.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Store) Diff(oldID, newID string) (*Diff, error) {
	oldV, err := s.Get(oldID)
	if err != nil {
		return nil, fmt.Errorf("old version: %w", err)
	}
	newV, err := s.Get(newID)
	if err != nil {
		return nil, fmt.Errorf("new version: %w", err)
	}
	return &Diff{
		SizeDelta: newV.Size - oldV.Size,
		Identical: oldV.Hash == newV.Hash,
		OldTime:   oldV.CreatedAt,
		NewTime:   newV.CreatedAt,
	}, nil
}

func (s *Store) writeMeta(v *model.FileVersion) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	path := s.metaPath(v.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write version metadata: %w", err)
	}
	return os.Rename(tmp, path)
}

// list returns versions for path (all when empty), newest first. Unreadable
// metadata files are skipped.
func (s *Store) list(path string) ([]*model.FileVersion, error) {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read version metadata: %w", err)
	}
	var versions []*model.FileVersion
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		v, err := s.Get(strings.TrimSuffix(e.Name(), ".yaml"))
		if err != nil {
			s.logger.Warn("Skipping unreadable version metadata", "file", e.Name(), "error", err)
			continue
		}
		if path != "" && v.OriginalPath != path {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].Number > versions[j].Number
		}
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}
