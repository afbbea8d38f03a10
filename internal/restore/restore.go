package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	securejoin "github.com/cyphar/filepath-securejoin"

	"pbm/internal/archive"
	"pbm/internal/crypto"
	"pbm/internal/manifest"
	"pbm/internal/model"
	"pbm/internal/remote"
	"pbm/internal/store"
	"pbm/internal/util"
)

var ErrTargetExists = errors.New("target file already exists")

type Options struct {
	Target   string
	Password string
	Identity age.Identity
	// Remote is used to fetch an artifact that is no longer on disk.
	Remote remote.Backend
	DryRun bool
	// Force overwrites existing files in the target.
	Force bool
	Out   io.Writer
}

func (o *Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

type Result struct {
	Restored int
	Bytes    int64
	Missing  []string
}

// Files returns the file set of a run. The database is asked first and the
// destination's manifest is used when the run is not recorded there.
func Files(ctx context.Context, st store.Store, task *model.BackupTask, historyID string) ([]model.FileBackupInfo, error) {
	if st != nil {
		records, err := st.FileRecords(ctx, task.ID, historyID)
		if err == nil && len(records) > 0 {
			return records, nil
		}
		if err != nil {
			slog.Warn("Failed to read file records, falling back to manifest", "history", historyID, "error", err)
		}
	}

	var m *manifest.Run
	var err error
	if historyID == "" {
		m, err = manifest.ReadLatest(task.Destination)
	} else {
		m, err = manifest.ReadRun(task.Destination, historyID)
	}
	if err != nil {
		return nil, fmt.Errorf("no file records for run %s: %w", historyID, err)
	}

	files := make([]model.FileBackupInfo, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, model.FileBackupInfo{
			RelPath:  f.Path,
			DestPath: f.DestPath,
			Size:     f.Size,
			ModTime:  time.Unix(f.ModTime, 0),
			Copied:   f.Copied,
		})
	}
	return files, nil
}

// FromHistory copies the recorded files of a run into opts.Target. Files
// that only exist as password encrypted copies are decrypted on the way.
func FromHistory(ctx context.Context, files []model.FileBackupInfo, opts Options) (*Result, error) {
	slog.Info("Restore started", "files", len(files), "target", opts.Target, "dryRun", opts.DryRun)

	if opts.DryRun {
		w := opts.out()
		fmt.Fprintf(w, "\n=== DRY RUN MODE ===\n")
		fmt.Fprintf(w, "Would restore %d file(s) to %s:\n", len(files), opts.Target)
		for _, f := range files {
			fmt.Fprintf(w, "  %s <- %s\n", f.RelPath, f.DestPath)
		}
		fmt.Fprintf(w, "\nNo changes made.\n")
		return &Result{}, nil
	}

	res := &Result{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		target, err := targetPath(opts.Target, f.RelPath)
		if err != nil {
			return res, err
		}
		if !opts.Force {
			if _, err := os.Stat(target); err == nil {
				return res, fmt.Errorf("%w: %s", ErrTargetExists, target)
			}
		}

		n, err := restoreFile(ctx, f.DestPath, target, opts.Password)
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Backed up file is missing", "file", f.DestPath)
			res.Missing = append(res.Missing, f.RelPath)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to restore %s: %w", f.RelPath, err)
		}
		if !f.ModTime.IsZero() {
			os.Chtimes(target, f.ModTime, f.ModTime)
		}
		res.Restored++
		res.Bytes += n
	}

	slog.Info("Restore completed", "restored", res.Restored, "missing", len(res.Missing), "bytes", res.Bytes)
	return res, nil
}

// targetPath resolves rel inside root. Parent references and symlinks
// cannot lead outside root.
func targetPath(root, rel string) (string, error) {
	target, err := securejoin.SecureJoin(root, filepath.FromSlash(rel))
	if err != nil {
		return "", fmt.Errorf("failed to resolve restore path %s: %w", rel, err)
	}
	return target, nil
}

func restoreFile(ctx context.Context, src, target, password string) (int64, error) {
	if _, err := os.Stat(src); err == nil {
		return util.CopyFile(ctx, src, target)
	}
	encrypted := src + crypto.EncryptedSuffix
	if _, err := os.Stat(encrypted); err != nil {
		return 0, os.ErrNotExist
	}
	if password == "" {
		return 0, fmt.Errorf("%s is encrypted and no password was given", encrypted)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if err := crypto.DecryptFileTo(ctx, encrypted, target, password, nil); err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// FromArtifact decrypts a run artifact when needed and extracts it into
// opts.Target. When the artifact is gone locally it is downloaded from
// remotePath.
func FromArtifact(ctx context.Context, artifactPath, remotePath, expectedHash string, opts Options) error {
	slog.Info("Restore from artifact started", "artifact", artifactPath, "target", opts.Target, "dryRun", opts.DryRun)

	if opts.DryRun {
		w := opts.out()
		fmt.Fprintf(w, "\n=== DRY RUN MODE ===\n")
		fmt.Fprintf(w, "Would restore artifact:\n")
		fmt.Fprintf(w, "  Artifact:    %s\n", artifactPath)
		if remotePath != "" {
			fmt.Fprintf(w, "  Remote:      %s\n", remotePath)
		}
		fmt.Fprintf(w, "  Target:      %s\n", opts.Target)
		fmt.Fprintf(w, "\nNo changes made.\n")
		return nil
	}

	tempDir, err := os.MkdirTemp("", "pbm_restore_")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			slog.Warn("Failed to remove temp directory", "error", err)
		}
	}()

	local := artifactPath
	if _, err := os.Stat(local); err != nil {
		if opts.Remote == nil || remotePath == "" {
			return fmt.Errorf("artifact not found: %w", err)
		}
		local = filepath.Join(tempDir, filepath.Base(artifactPath))
		slog.Info("Downloading artifact from remote", "remote", remotePath)
		if err := opts.Remote.Download(ctx, remotePath, local); err != nil {
			return fmt.Errorf("failed to download artifact: %w", err)
		}
	}

	zipPath := local
	switch {
	case strings.HasSuffix(local, crypto.EncryptedSuffix):
		if opts.Password == "" {
			return errors.New("artifact is password encrypted and no password was given")
		}
		zipPath = filepath.Join(tempDir, strings.TrimSuffix(filepath.Base(local), crypto.EncryptedSuffix))
		if err := crypto.DecryptFileTo(ctx, local, zipPath, opts.Password, nil); err != nil {
			return fmt.Errorf("failed to decrypt artifact: %w", err)
		}
	case strings.HasSuffix(local, crypto.AgeSuffix):
		if opts.Identity == nil {
			return errors.New("artifact is age encrypted and no identity was given")
		}
		zipPath = filepath.Join(tempDir, strings.TrimSuffix(filepath.Base(local), crypto.AgeSuffix))
		if err := crypto.DecryptAndVerify(ctx, local, zipPath, expectedHash, opts.Identity); err != nil {
			return fmt.Errorf("failed to decrypt/verify artifact: %w", err)
		}
	}

	if !strings.EqualFold(filepath.Ext(zipPath), archive.Ext) {
		return fmt.Errorf("unsupported artifact: %s", artifactPath)
	}
	if err := archive.Extract(ctx, zipPath, opts.Target, nil); err != nil {
		return fmt.Errorf("failed to extract artifact: %w", err)
	}

	slog.Info("Restore completed successfully!", "target", opts.Target)
	return nil
}
