package digest

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

const chunkSize = 80 * 1024

// File computes the BLAKE3 hash of a file as lowercase hex.
func File(filename string) (string, error) {
	return FileContext(context.Background(), filename)
}

// FileContext is File with cancellation checked between chunks.
func FileContext(ctx context.Context, filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", filename, err)
		}
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// TransferID derives the stable identity of a copy from its endpoints.
func TransferID(src, dst string) string {
	h := xxh3.HashString128(src + "|" + dst)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}
