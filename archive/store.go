package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Store persists encoded archive units by key.  Keys use forward slashes, eg:
// "20240302/1430.json".
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// FSStore writes archive units under a root directory on the local filesystem,
// one directory per date
type FSStore struct {
	root string
	log  zerolog.Logger
}

// NewFSStore returns a filesystem store rooted at dir
func NewFSStore(dir string, log zerolog.Logger) (*FSStore, error) {

	if dir == "" {
		return nil, fmt.Errorf("archive directory not set")
	}

	err := os.MkdirAll(dir, 0755)

	if err != nil {
		return nil, fmt.Errorf("error creating archive directory: %w", err)
	}

	return &FSStore{
		root: dir,
		log:  log.With().Str("component", "archive-fs").Logger(),
	}, nil
}

// Path returns the filesystem path for a key
func (s *FSStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data to the key's path, creating the date directory on first
// write.  The file is written to a temporary name and renamed so readers never
// see a partial unit.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	if strings.Contains(key, "..") {
		return fmt.Errorf("invalid archive key %q", key)
	}

	full := s.Path(key)
	dir := filepath.Dir(full)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.log.Info().Str("dir", dir).Msg("Creating archive date directory")
	}

	err := os.MkdirAll(dir, 0755)

	if err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".unit-*")

	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	_, err = tmp.Write(data)

	if err == nil {
		err = tmp.Sync()
	}

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write file: %w", err)
	}

	err = os.Rename(tmp.Name(), full)

	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename file: %w", err)
	}

	return nil
}

// Get reads the unit stored at key
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(key))

	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}
