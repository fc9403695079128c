package media

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestTempStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := NewTempStore(dir)
	require.NoError(t, err)

	t.Run("Test Save", func(t *testing.T) {
		p, err := store.Save(strings.NewReader("video bytes"), "MP4")
		require.NoError(t, err)
		assert.Equal(t, dir, filepath.Dir(p))
		assert.Equal(t, ".mp4", filepath.Ext(p))
		assert.True(t, store.Owns(p))

		b, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "video bytes", string(b))

		Remove(p)
		assert.NoFileExists(t, p)
		// removing twice is fine
		Remove(p)
	})

	t.Run("Test Save Failure Cleans Up", func(t *testing.T) {
		_, err := store.Save(failingReader{}, ".avi")
		assert.Error(t, err)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Test Owns", func(t *testing.T) {
		assert.False(t, store.Owns(filepath.Join(dir, "other.mp4")))
		assert.False(t, store.Owns(filepath.Join(t.TempDir(), "signdet-1.mp4")))
		assert.False(t, store.Owns(filepath.Join(dir, "..", "signdet-1.mp4")))
	})
}
