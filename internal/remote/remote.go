package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pbm/internal/config"
)

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

// Backend is an offsite copy target. Remote paths are slash separated and
// relative to the backend's configured prefix.
type Backend interface {
	Upload(ctx context.Context, localPath, remotePath, checksumHash string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Head(ctx context.Context, remotePath string) (*ObjectInfo, error)
	VerifyCredentials(ctx context.Context) error
}

// New builds the backend selected by cfg.Type. It returns nil when no
// remote is configured.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	r := cfg.Remote
	switch r.Type {
	case "":
		return nil, nil
	case "s3":
		if err := ValidateStorageClass(string(r.S3.StorageClass)); err != nil {
			return nil, err
		}
		return NewS3(ctx, r.S3.Bucket, r.S3.Region, r.S3.Prefix, r.S3.Endpoint, r.S3.StorageClass, cfg.S3RetryAttempts())
	case "webdav":
		return NewWebDAV(r.WebDAV.Endpoint, r.WebDAV.User, r.WebDAV.Password, r.WebDAV.Path)
	}
	return nil, fmt.Errorf("unknown remote type: %s", r.Type)
}

// Key joins a remote path under prefix.
func Key(prefix, remotePath string) string {
	return strings.TrimPrefix(path.Join(prefix, strings.ReplaceAll(remotePath, "\\", "/")), "/")
}

func ValidateStorageClass(storageClass string) error {
	if storageClass == string(types.StorageClassGlacier) || storageClass == string(types.StorageClassDeepArchive) {
		return fmt.Errorf("storage class %s is not immediately accessible (requires restore)", storageClass)
	}
	return nil
}
