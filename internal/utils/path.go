package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands `~`, resolves relative components and returns a clean
// absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// NormPath converts a relative path to its forward-slash form. Relative paths
// inside a scanned tree always use this form regardless of host OS.
func NormPath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// SysPath converts a forward-slash relative path back to the host separator.
func SysPath(path string) string {
	return filepath.FromSlash(path)
}

func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

func EnsureDir(path string) error {
	// already exists
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.MkdirAll(path, 0o755)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o200 != 0
}

// RemoveEmptyParents removes now-empty parent directories of path, walking up
// to but never including stopDir. Errors stop the walk silently; a non-empty
// directory is not an error, just the natural stopping point.
func RemoveEmptyParents(path, stopDir string) {
	stopDir = filepath.Clean(stopDir)
	dir := filepath.Dir(filepath.Clean(path))
	for dir != stopDir && strings.HasPrefix(dir, stopDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
