package crypto

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"

	"pbm/internal/digest"
)

const AgeSuffix = ".age"

// ctxReader stops a stream once ctx is done.
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

// ParseRecipient accepts an X25519 public key ("age1...").
func ParseRecipient(s string) (age.Recipient, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to parse age public key: %w", err)
	}
	return r, nil
}

func EncryptAge(ctx context.Context, inputFile, outputFile string, recipient age.Recipient) (err error) {
	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outputFile)
		}
	}()

	w, err := age.Encrypt(out, recipient)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: in}); err != nil {
		return err
	}

	return w.Close()
}

func DecryptAge(ctx context.Context, inputFile, outputFile string, identity age.Identity) (err error) {
	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outputFile)
		}
	}()

	r, err := age.Decrypt(in, identity)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: r})
	return err
}

// SealAge encrypts path to path+".age", hashes the result and removes the
// plaintext. It returns the BLAKE3 hash and the encrypted path.
func SealAge(ctx context.Context, path string, recipient age.Recipient) (string, string, error) {
	slog.Debug("Sealing file with age", "file", path)

	encryptedFile := path + AgeSuffix
	if err := EncryptAge(ctx, path, encryptedFile, recipient); err != nil {
		return "", "", fmt.Errorf("age encryption failed: %w", err)
	}

	hash, err := digest.File(encryptedFile)
	if err != nil {
		return "", "", fmt.Errorf("BLAKE3 hash failed: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", "", fmt.Errorf("failed to remove original file: %w", err)
	}

	return hash, encryptedFile, nil
}

// DecryptAndVerify checks the BLAKE3 hash of an age file before decrypting
// it. An empty expected hash skips the check.
func DecryptAndVerify(ctx context.Context, encryptedFile, outputFile, expectedBlake3 string, identity age.Identity) error {
	if expectedBlake3 != "" {
		actual, err := digest.File(encryptedFile)
		if err != nil {
			return fmt.Errorf("failed to calculate BLAKE3: %w", err)
		}
		if actual != expectedBlake3 {
			return fmt.Errorf("BLAKE3 mismatch: expected %s, got %s", expectedBlake3, actual)
		}
		slog.Info("BLAKE3 verified", "hash", actual)
	}

	if err := DecryptAge(ctx, encryptedFile, outputFile, identity); err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	return nil
}
