package security

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrRecordNotFound is returned by RecordStore.Get for unknown names.
var ErrRecordNotFound = errors.New("record not found")

// RecordStore holds the vault's sealed records by secret name.
type RecordStore interface {
	Get(name string) ([]byte, error)
	Put(name string, sealed []byte) error
	Delete(name string) error
	// Names is sorted.
	Names() ([]string, error)
}

// MemoryRecordStore lives for one process. `deploy plan` and tests use it.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string][]byte)}
}

func (m *MemoryRecordStore) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sealed, ok := m.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	return append([]byte(nil), sealed...), nil
}

func (m *MemoryRecordStore) Put(name string, sealed []byte) error {
	m.mu.Lock()
	m.records[name] = append([]byte(nil), sealed...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecordStore) Delete(name string) error {
	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecordStore) Names() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

const recordExt = ".sealed"

// FileRecordStore keeps one file per secret in a flat directory. Names are
// path-escaped, so no name can point outside dir.
type FileRecordStore struct {
	dir string
}

func NewFileRecordStore(dir string) (*FileRecordStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileRecordStore{dir: dir}, nil
}

func (f *FileRecordStore) path(name string) string {
	return filepath.Join(f.dir, url.PathEscape(name)+recordExt)
}

func (f *FileRecordStore) Get(name string) ([]byte, error) {
	sealed, err := os.ReadFile(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", name, err)
	}
	return sealed, nil
}

// Put replaces the record atomically; readers see the old or the new
// record, never a partial one.
func (f *FileRecordStore) Put(name string, sealed []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync record %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), f.path(name)); err != nil {
		return fmt.Errorf("failed to replace record %s: %w", name, err)
	}
	return nil
}

func (f *FileRecordStore) Delete(name string) error {
	if err := os.Remove(f.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	return nil
}

func (f *FileRecordStore) Names() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), recordExt)
		if e.IsDir() || !ok {
			continue
		}
		if name, err := url.PathUnescape(base); err == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
