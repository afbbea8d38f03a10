package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"pbm/internal/archive"
	"pbm/internal/crypto"
	"pbm/internal/digest"
	"pbm/internal/manifest"
	"pbm/internal/model"
	"pbm/internal/util"
)

const (
	KindArchive   = "archive"
	KindEncrypted = "encrypted"
	KindFile      = "file"

	uploadWorkers = 4
)

type artifact struct {
	Path       string
	Kind       string
	Size       int64
	Hash       string
	RemotePath string
}

// postProcess packs, encrypts and ships a completed run. Failures here are
// logged as warnings; the copied tree is already a valid backup.
func (r *runner) postProcess(ctx context.Context) {
	if r.task.Compress || r.task.Encrypt {
		a, err := r.pack(ctx)
		if err != nil {
			r.warn("Failed to create archive", err)
			return
		}
		if r.task.Compress {
			r.svc.notifier.Info(r.task.Name, "Archive created: "+filepath.Base(a.Path))
		}
		if r.task.Encrypt {
			a, err = r.encrypt(ctx, a)
			if err != nil {
				r.warn("Failed to encrypt archive", err)
				return
			}
			r.svc.notifier.Info(r.task.Name, "Archive encrypted: "+filepath.Base(a.Path))
		}
		r.artifacts = append(r.artifacts, a)
		r.hist.Artifact = a.Path
	}

	if r.task.Offsite {
		if r.svc.remote == nil {
			r.warn("Offsite copy skipped", errors.New("no remote configured"))
			return
		}
		if err := r.upload(ctx); err != nil {
			r.warn("Offsite copy failed", err)
		}
	}
}

func (r *runner) warn(msg string, err error) {
	r.logger.Warn(msg, "error", err)
	r.svc.notifier.Warning(r.task.Name, fmt.Sprintf("%s: %v", msg, err))
}

// pack archives the destination. Without compression the archive only
// stores entries so it can be encrypted as a single file.
func (r *runner) pack(ctx context.Context) (artifact, error) {
	level := r.task.CompressionLevel
	if !r.task.Compress {
		level = model.CompressionNone
	}
	r.report(Progress{Stage: StageCompress})
	out, err := archive.Compress(ctx, r.task.Destination, archive.Path(r.task.Destination), level, func(pct float64) {
		r.report(Progress{Stage: StageCompress, Percent: pct})
	})
	if err != nil {
		return artifact{}, err
	}
	info, err := os.Stat(out)
	if err != nil {
		return artifact{}, err
	}
	r.logger.Info("Archive created", "path", out, "size", info.Size(), "level", level)
	return artifact{Path: out, Kind: KindArchive, Size: info.Size()}, nil
}

func (r *runner) encrypt(ctx context.Context, a artifact) (artifact, error) {
	r.report(Progress{Stage: StageEncrypt})

	var out, hash string
	switch r.task.EncryptionMode {
	case model.EncryptAge:
		recipient, err := crypto.ParseRecipient(r.task.AgeRecipient)
		if err != nil {
			return artifact{}, err
		}
		hash, out, err = crypto.SealAge(ctx, a.Path, recipient)
		if err != nil {
			return artifact{}, err
		}
	default:
		if r.task.Password == "" {
			return artifact{}, errors.New("encryption enabled without a password")
		}
		var err error
		out, err = crypto.EncryptFile(ctx, a.Path, r.task.Password, func(pct float64) {
			r.report(Progress{Stage: StageEncrypt, Percent: pct})
		})
		if err != nil {
			return artifact{}, err
		}
		if err := os.Remove(a.Path); err != nil {
			r.logger.Warn("Failed to remove plaintext archive", "path", a.Path, "error", err)
		}
	}

	info, err := os.Stat(out)
	if err != nil {
		return artifact{}, err
	}
	r.report(Progress{Stage: StageEncrypt, Percent: 100})
	r.logger.Info("Archive encrypted", "path", out, "size", info.Size())
	return artifact{Path: out, Kind: KindEncrypted, Size: info.Size(), Hash: hash}, nil
}

// upload sends the run's artifact, or every copied file when there is none,
// to the remote backend.
func (r *runner) upload(ctx context.Context) error {
	prefix := path.Join(util.TaskSlug(r.task.Name), r.hist.ID)

	var items []artifact
	if len(r.artifacts) > 0 {
		for _, a := range r.artifacts {
			a.RemotePath = path.Join(prefix, filepath.Base(a.Path))
			items = append(items, a)
		}
	} else {
		for _, f := range r.copied {
			items = append(items, artifact{
				Path:       f.DestPath,
				Kind:       KindFile,
				Size:       f.Size,
				RemotePath: path.Join(prefix, "files", f.RelPath),
			})
		}
	}
	if len(items) == 0 {
		return nil
	}

	r.report(Progress{Stage: StageUpload})
	uploaded, err := r.uploadWithWorkerPool(ctx, items)
	if len(r.artifacts) > 0 && err == nil {
		r.artifacts = uploaded
	}
	r.report(Progress{Stage: StageUpload, Percent: 100})
	return err
}

func (r *runner) uploadWithWorkerPool(ctx context.Context, items []artifact) ([]artifact, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	resultChan := make(chan artifact, len(items))
	errChan := make(chan error, len(items))
	taskChan := make(chan artifact, len(items))

	for range uploadWorkers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for item := range taskChan {
				if ctx.Err() != nil {
					r.logger.Warn("Upload worker stopping due to context cancellation")
					errChan <- ctx.Err()

					return
				}

				if item.Hash == "" {
					hash, err := digest.FileContext(ctx, item.Path)
					if err != nil {
						errChan <- fmt.Errorf("failed to hash %s: %w", item.Path, err)

						continue
					}
					item.Hash = hash
				}

				r.logger.Debug("Uploading to remote", "file", item.Path, "remote", item.RemotePath)
				if err := r.svc.remote.Upload(ctx, item.Path, item.RemotePath, item.Hash); err != nil {
					errChan <- fmt.Errorf("failed to upload %s: %w", item.Path, err)

					continue
				}

				mu.Lock()
				done++
				r.report(Progress{Stage: StageUpload, Percent: float64(done) / float64(len(items)) * 100, File: item.RemotePath})
				mu.Unlock()

				resultChan <- item
			}
		}()
	}

	for _, item := range items {
		taskChan <- item
	}

	close(taskChan)

	wg.Wait()
	close(resultChan)
	close(errChan)

	var results []artifact
	for a := range resultChan {
		results = append(results, a)
	}

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("failed to upload %d file(s): %w", len(errs), errors.Join(errs...))
	}

	r.logger.Info("Offsite copy completed", "files", len(results))
	return results, nil
}

func (r *runner) writeManifest() error {
	m := &manifest.Run{
		HistoryID: r.hist.ID,
		TaskID:    r.task.ID,
		TaskName:  r.task.Name,
		Mode:      r.task.Mode.String(),
		Status:    r.hist.Status.String(),
		StartTime: r.hist.StartTime.Unix(),
		EndTime:   r.hist.EndTime.Unix(),
		System:    manifest.GetSystemInfo(),
		Source:    r.task.Source,
		Success:   r.hist.Success,
		Failed:    r.hist.Failed,
		Skipped:   r.hist.Skipped,
		TotalSize: r.hist.TotalSize,
		Encrypted: r.task.Encrypt,
	}
	for _, a := range r.artifacts {
		m.Artifacts = append(m.Artifacts, manifest.Artifact{
			Path:       a.Path,
			Kind:       a.Kind,
			Size:       a.Size,
			Blake3Hash: a.Hash,
			RemotePath: a.RemotePath,
		})
	}
	for _, f := range r.records {
		m.Files = append(m.Files, manifest.File{
			Path:     f.RelPath,
			DestPath: f.DestPath,
			Size:     f.Size,
			ModTime:  f.ModTime.Unix(),
			Copied:   f.Copied,
		})
	}
	return manifest.Write(r.task.Destination, m)
}
