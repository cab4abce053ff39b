package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFingerprint_Validation(t *testing.T) {
	_, err := NewFingerprint("", 10, 1000, "")
	assert.Error(t, err)

	_, err = NewFingerprint("a.txt", -1, 1000, "")
	assert.Error(t, err)

	fp, err := NewFingerprint("a.txt", 10, 1000, "abc")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", fp.RelPath)
}

func TestFingerprint_Equal(t *testing.T) {
	base := &Fingerprint{RelPath: "a.txt", Size: 100, ModTime: 1000, Hash: "h1"}

	t.Run("identical", func(t *testing.T) {
		other := &Fingerprint{RelPath: "a.txt", Size: 100, ModTime: 1000, Hash: "h1"}
		assert.True(t, base.Equal(other, false))
		assert.True(t, base.Equal(other, true))
	})

	t.Run("size differs", func(t *testing.T) {
		other := &Fingerprint{RelPath: "a.txt", Size: 99, ModTime: 1000, Hash: "h1"}
		assert.False(t, base.Equal(other, false))
		assert.False(t, base.Equal(other, true))
	})

	t.Run("mtime differs", func(t *testing.T) {
		other := &Fingerprint{RelPath: "a.txt", Size: 100, ModTime: 2000, Hash: "h1"}
		assert.False(t, base.Equal(other, false))
		assert.False(t, base.Equal(other, true))
	})

	t.Run("only content differs", func(t *testing.T) {
		// Same size and mtime, different bytes. Without hashing this is
		// "equal" - the documented trade-off. With hashing it is not.
		other := &Fingerprint{RelPath: "a.txt", Size: 100, ModTime: 1000, Hash: "h2"}
		assert.True(t, base.Equal(other, false))
		assert.False(t, base.Equal(other, true))
	})

	t.Run("nil handling", func(t *testing.T) {
		var missing *Fingerprint
		assert.False(t, base.Equal(missing, false))
		assert.True(t, missing.Equal(nil, false))
	})
}

func TestHashFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	hash, err := HashFile(path)
	require.NoError(t, err)
	// md5("hello")
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", hash)

	_, err = HashFile(filepath.Join(tmp, "missing"))
	assert.Error(t, err)
}
