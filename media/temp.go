package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"SignDetServer/logger"

	"go.uber.org/zap"
)

const tempPattern = "signdet-*"

// TempStore owns the uploaded and downloaded videos waiting to be processed.
type TempStore struct {
	Dir string
}

func NewTempStore(dir string) (*TempStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempStore{Dir: dir}, nil
}

// Create makes an empty temp file with the given extension.
func (s *TempStore) Create(ext string) (*os.File, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return os.CreateTemp(s.Dir, tempPattern+strings.ToLower(ext))
}

// Save copies r into a new temp file and returns its path. A partial file is
// removed on error.
func (s *TempStore) Save(r io.Reader, ext string) (string, error) {
	f, err := s.Create(ext)
	if err != nil {
		return "", err
	}
	path := f.Name()
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return path, nil
}

// Owns reports whether path was created by this store.
func (s *TempStore) Owns(path string) bool {
	rel, err := filepath.Rel(s.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return false
	}
	return strings.HasPrefix(rel, strings.TrimSuffix(tempPattern, "*"))
}

// Remove deletes path, ignoring files that are already gone.
func Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Log().Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}
