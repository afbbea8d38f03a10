package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/studio-b12/gowebdav"
)

// checksumSuffix names the sidecar object holding an upload's BLAKE3 hash,
// since WebDAV has no per-object metadata.
const checksumSuffix = ".blake3"

type WebDAV struct {
	client *gowebdav.Client
	root   string
}

func NewWebDAV(endpoint, user, password, root string) (*WebDAV, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("webdav endpoint is required")
	}
	return &WebDAV{
		client: gowebdav.NewClient(endpoint, user, password),
		root:   "/" + strings.Trim(root, "/"),
	}, nil
}

func (w *WebDAV) remote(remotePath string) string {
	return "/" + Key(w.root, remotePath)
}

// ctxReader stops a streaming upload once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (w *WebDAV) Upload(ctx context.Context, localPath, remotePath, checksumHash string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	target := w.remote(remotePath)
	if err := w.client.MkdirAll(path.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	if err := w.client.WriteStream(target, &ctxReader{ctx: ctx, r: file}, 0o644); err != nil {
		return fmt.Errorf("failed to upload to WebDAV: %w", err)
	}
	if checksumHash != "" {
		if err := w.client.Write(target+checksumSuffix, []byte(checksumHash), 0o644); err != nil {
			return fmt.Errorf("failed to upload checksum: %w", err)
		}
	}

	slog.Info("Uploaded to WebDAV", "path", target)
	return nil
}

func (w *WebDAV) Download(ctx context.Context, remotePath, localPath string) error {
	source := w.remote(remotePath)
	stream, err := w.client.ReadStream(source)
	if err != nil {
		return fmt.Errorf("failed to download from WebDAV: %w", err)
	}
	defer stream.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	n, err := io.Copy(file, &ctxReader{ctx: ctx, r: stream})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to download from WebDAV: %w", err)
	}

	slog.Info("Downloaded from WebDAV", "path", source, "bytes", n)
	return nil
}

func (w *WebDAV) Head(_ context.Context, remotePath string) (*ObjectInfo, error) {
	target := w.remote(remotePath)
	fi, err := w.client.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", target, err)
	}
	info := &ObjectInfo{Size: fi.Size()}
	if sum, err := w.client.Read(target + checksumSuffix); err == nil {
		info.Blake3 = strings.TrimSpace(string(sum))
	}
	return info, nil
}

func (w *WebDAV) VerifyCredentials(_ context.Context) error {
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("failed to verify WebDAV credentials: %w", err)
	}
	return nil
}
