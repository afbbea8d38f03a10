package keys

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"pbm/internal/crypto"
)

// Generate prints a fresh age key pair. When outPath is set the private key
// is also written there with owner-only permissions.
func Generate(_ context.Context, w io.Writer, outPath string) (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Fprintln(w, "=== Age Key Pair Generated ===")
	fmt.Fprintf(w, "Public key:  %s\n", identity.Recipient().String())

	if outPath != "" {
		data := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
			time.Now().Format(time.RFC3339), identity.Recipient().String(), identity.String())
		if err := os.WriteFile(outPath, []byte(data), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write private key: %w", err)
		}
		fmt.Fprintf(w, "Private key written to %s\n", outPath)
	} else {
		fmt.Fprintf(w, "Private key: %s\n", identity.String())
	}
	fmt.Fprintln(w, "\n!! Keep your private key secure !!")

	return identity, nil
}

// LoadIdentity reads the first X25519 identity from an age key file.
func LoadIdentity(path string) (age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return identities[0], nil
}

// Test encrypts a sample message with publicKey and decrypts it with the
// identity in privateKeyPath.
func Test(ctx context.Context, w io.Writer, publicKey, privateKeyPath string) error {
	recipient, err := crypto.ParseRecipient(publicKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Public key: %s\n", strings.TrimSpace(publicKey))

	identity, err := LoadIdentity(privateKeyPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Private key loaded from: %s\n", privateKeyPath)

	tempDir, err := os.MkdirTemp("", "pbm_key_test_*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	testContent := "pbm key pair test " + time.Now().Format(time.RFC3339)
	testFile := filepath.Join(tempDir, "test.txt")
	if err := os.WriteFile(testFile, []byte(testContent), 0o644); err != nil {
		return fmt.Errorf("failed to create test file: %w", err)
	}

	encryptedFile := testFile + crypto.AgeSuffix
	if err := crypto.EncryptAge(ctx, testFile, encryptedFile, recipient); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	decryptedFile := filepath.Join(tempDir, "test_decrypted.txt")
	if err := crypto.DecryptAge(ctx, encryptedFile, decryptedFile, identity); err != nil {
		return fmt.Errorf("decryption failed: %w\nThis means the private key does not match the public key", err)
	}

	decryptedContent, err := os.ReadFile(decryptedFile)
	if err != nil {
		return fmt.Errorf("failed to read decrypted file: %w", err)
	}
	if string(decryptedContent) != testContent {
		return fmt.Errorf("content mismatch: decrypted content does not match original")
	}

	fmt.Fprintln(w, "Key pair verified")
	return nil
}
