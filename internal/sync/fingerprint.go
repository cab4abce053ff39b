package sync

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
)

// Fingerprint is the identity of one file inside a scanned tree: size plus
// modification time, with an optional content hash when hashing is enabled.
// It is immutable once produced and recomputed on every scan.
type Fingerprint struct {
	RelPath string
	Size    int64
	ModTime int64 // unix nanoseconds
	Hash    string
}

// Tree maps forward-slash relative paths to their fingerprints.
type Tree map[string]*Fingerprint

func NewFingerprint(relPath string, size, modTime int64, hash string) (*Fingerprint, error) {
	if relPath == "" {
		return nil, errors.New("fingerprint: empty relative path")
	}
	if size < 0 {
		return nil, fmt.Errorf("fingerprint: negative size for %q", relPath)
	}
	return &Fingerprint{
		RelPath: relPath,
		Size:    size,
		ModTime: modTime,
		Hash:    hash,
	}, nil
}

// Equal reports whether two fingerprints describe the same content.
// The test short-circuits: size first, then modification time, then - only
// when useHash is set - the content hash. Without hashing, two files with
// equal size and mtime are considered equal even if their bytes differ;
// that is the documented accuracy/performance trade-off.
func (f *Fingerprint) Equal(other *Fingerprint, useHash bool) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.Size != other.Size {
		return false
	}
	if f.ModTime != other.ModTime {
		return false
	}
	if useHash {
		return f.Hash == other.Hash
	}
	return true
}

// HashFile calculates the MD5 hash of a file and returns it as a hex string.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash file %q: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
