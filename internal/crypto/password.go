package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 32
	sizeHeader = 8
	keySize    = 32
	iterations = 10000
	chunkSize  = 80 * 1024

	EncryptedSuffix = ".encrypted"
	DecryptedSuffix = ".decrypted"
)

var (
	ErrInvalidPassword = errors.New("invalid password or corrupted data")
	ErrCorrupted       = errors.New("encrypted data is truncated or malformed")
)

// ProgressFunc receives completion in percent.
type ProgressFunc func(pct float64)

// deriveKey returns the AES-256 key and CBC IV for password and salt.
func deriveKey(password string, salt []byte) (key, iv []byte) {
	dk := pbkdf2.Key([]byte(password), salt, iterations, keySize+aes.BlockSize, sha256.New)
	return dk[:keySize], dk[keySize:]
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, ErrInvalidPassword
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, ErrInvalidPassword
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPassword
		}
	}
	return b[:len(b)-n], nil
}

func report(progress ProgressFunc, done, total int64) {
	if progress == nil {
		return
	}
	if total <= 0 {
		progress(100)
		return
	}
	progress(float64(done) / float64(total) * 100)
}

// EncryptFile writes path+".encrypted" and returns its path.
func EncryptFile(ctx context.Context, path, password string, progress ProgressFunc) (string, error) {
	out := path + EncryptedSuffix
	if err := EncryptFileTo(ctx, path, out, password, progress); err != nil {
		return "", err
	}
	return out, nil
}

// DecryptedPath maps an encrypted file name to its decrypted output name.
func DecryptedPath(path string) string {
	if strings.HasSuffix(path, EncryptedSuffix) {
		return strings.TrimSuffix(path, EncryptedSuffix) + DecryptedSuffix
	}
	return path + DecryptedSuffix
}

func DecryptFile(ctx context.Context, path, password string, progress ProgressFunc) (string, error) {
	out := DecryptedPath(path)
	if err := DecryptFileTo(ctx, path, out, password, progress); err != nil {
		return "", err
	}
	return out, nil
}

// EncryptFileTo encrypts src into dst as
// [32-byte salt][8-byte little-endian plaintext size][AES-256-CBC PKCS#7 ciphertext].
func EncryptFileTo(ctx context.Context, src, dst, password string, progress ProgressFunc) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close output: %w", cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	salt, err := randomBytes(SaltSize)
	if err != nil {
		return err
	}
	key, iv := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	header := make([]byte, SaltSize+sizeHeader)
	copy(header, salt)
	binary.LittleEndian.PutUint64(header[SaltSize:], uint64(info.Size()))
	if _, err := out.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	total := info.Size()
	var done int64
	buf := make([]byte, chunkSize, chunkSize+aes.BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(in, buf[:chunkSize])
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return fmt.Errorf("failed to read source: %w", rerr)
		}
		done += int64(n)

		chunk := buf[:n]
		last := rerr != nil
		if last {
			chunk = pad(chunk)
		}
		mode.CryptBlocks(chunk, chunk)
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		report(progress, done, total)
		if last {
			return nil
		}
	}
}

// DecryptFileTo reverses EncryptFileTo. A wrong password surfaces as
// ErrInvalidPassword.
func DecryptFileTo(ctx context.Context, src, dst, password string, progress ProgressFunc) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	header := make([]byte, SaltSize+sizeHeader)
	if _, err := io.ReadFull(in, header); err != nil {
		return fmt.Errorf("failed to read header: %w", ErrCorrupted)
	}
	salt := header[:SaltSize]
	original := int64(binary.LittleEndian.Uint64(header[SaltSize:]))

	key, iv := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close output: %w", cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	cur := make([]byte, chunkSize)
	next := make([]byte, chunkSize)
	n, rerr := io.ReadFull(in, cur)
	if rerr == io.EOF || n == 0 {
		return fmt.Errorf("missing ciphertext: %w", ErrCorrupted)
	}
	if rerr != nil && rerr != io.ErrUnexpectedEOF {
		return fmt.Errorf("failed to read ciphertext: %w", rerr)
	}

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n%aes.BlockSize != 0 {
			return ErrCorrupted
		}

		var m int
		var nerr error
		if rerr == nil {
			m, nerr = io.ReadFull(in, next)
			if nerr != nil && nerr != io.EOF && nerr != io.ErrUnexpectedEOF {
				return fmt.Errorf("failed to read ciphertext: %w", nerr)
			}
		}
		last := rerr != nil || m == 0

		chunk := cur[:n]
		mode.CryptBlocks(chunk, chunk)
		if last {
			if chunk, err = unpad(chunk); err != nil {
				return err
			}
		}
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		written += int64(len(chunk))
		report(progress, written, original)

		if last {
			break
		}
		cur, next = next, cur
		n, rerr = m, nerr
	}

	if written != original {
		return ErrInvalidPassword
	}
	return nil
}

// EncryptString returns base64(salt || ciphertext) of text.
func EncryptString(text, password string) (string, error) {
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return "", err
	}
	key, iv := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	data := pad([]byte(text))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, data)
	return base64.StdEncoding.EncodeToString(append(salt, data...)), nil
}

func DecryptString(encoded, password string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < SaltSize+aes.BlockSize || (len(raw)-SaltSize)%aes.BlockSize != 0 {
		return "", ErrCorrupted
	}
	key, iv := deriveKey(password, raw[:SaltSize])
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	data := append([]byte(nil), raw[SaltSize:]...)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)
	plain, err := unpad(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// GenerateSecureKey returns length random bytes, base64 encoded.
func GenerateSecureKey(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	b, err := randomBytes(length)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
