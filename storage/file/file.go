// Package file provides a filesystem implementation of the credit.Backend
// interface. Each table is a JSON file in one directory with a same-directory
// backup copy refreshed before every write.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

const (
	documentExt = ".json"
	backupExt   = ".json.bak"
)

// Storage implements credit.Backend using files under a directory
type Storage struct {
	dir  string
	perm fs.FileMode
	// mu serializes writes across tables sharing the directory
	mu sync.Mutex
}

var _ credit.Backend = (*Storage)(nil)

// Config holds file storage configuration
type Config struct {
	// Dir is the directory holding the documents (required)
	Dir string

	// FileMode is the permission of written files (default: 0o600)
	FileMode fs.FileMode
}

// New creates the directory if needed and returns a file backend
func New(config Config) (*Storage, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("file: directory is required")
	}
	if config.FileMode == 0 {
		config.FileMode = 0o600
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("file: create directory: %w", err)
	}
	return &Storage{dir: config.Dir, perm: config.FileMode}, nil
}

// Path returns the document path of a table.
func (s *Storage) Path(name string) string {
	return filepath.Join(s.dir, name+documentExt)
}

// BackupPath returns the backup path of a table.
func (s *Storage) BackupPath(name string) string {
	return filepath.Join(s.dir, name+backupExt)
}

// Load implements credit.Backend
func (s *Storage) Load(_ context.Context, name string) ([]byte, error) {
	return readDocument(s.Path(name))
}

// LoadBackup implements credit.Backend
func (s *Storage) LoadBackup(_ context.Context, name string) ([]byte, error) {
	return readDocument(s.BackupPath(name))
}

// Save implements credit.Backend. The current file is copied to the backup
// path first; both files are replaced by rename so a crash never leaves a
// half-written document.
func (s *Storage) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(s.Path(name))
	switch {
	case err == nil:
		if err := s.writeAtomic(s.BackupPath(name), current); err != nil {
			return fmt.Errorf("file: write backup of %s: %w", name, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("file: read %s: %w", name, err)
	}

	if err := s.writeAtomic(s.Path(name), data); err != nil {
		return fmt.Errorf("file: write %s: %w", name, err)
	}
	return nil
}

func (s *Storage) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, s.perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, credit.ErrDocumentNotFound
		}
		return nil, err
	}
	return data, nil
}
