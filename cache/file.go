package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps one CBOR file per verdict under a directory, fanned out
// by the first byte of the key.
type FileStore struct {
	dir string
}

// OpenFileStore creates dir if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache: file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key Key) string {
	name := key.String()
	return filepath.Join(s.dir, name[:2], name+".cbor")
}

func (s *FileStore) Get(key Key) (*Verdict, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("miss %s", key)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading verdict: %w", err)
	}
	log.Debugf("hit %s", key)
	return UnmarshalVerdict(data)
}

// Put writes through a temporary file so readers never see a partial
// verdict.
func (s *FileStore) Put(key Key, v *Verdict) error {
	data, err := MarshalVerdict(v)
	if err != nil {
		return err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".verdict-*")
	if err != nil {
		return fmt.Errorf("writing verdict: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing verdict: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing verdict: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing verdict: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
