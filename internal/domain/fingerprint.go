package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// hashStrings produces a stable hex digest over the parts, with a
// length prefix per part so concatenation cannot collide.
func hashStrings(parts []string) string {
	h := sha256.New()

	for _, part := range parts {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// hashFiles content-hashes the given relative paths under root in
// order. A missing file contributes a fixed marker so deletions
// change the digest.
func hashFiles(root string, files []string) (string, error) {
	h := sha256.New()

	for _, file := range files {
		fmt.Fprintf(h, "%d:%s:", len(file), file)

		f, err := os.Open(filepath.Join(root, file))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				io.WriteString(h, "absent;")
				continue
			}

			return "", fmt.Errorf("fingerprint %s: %w", file, err)
		}

		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("fingerprint %s: %w", file, err)
		}

		f.Close()
		io.WriteString(h, ";")
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
