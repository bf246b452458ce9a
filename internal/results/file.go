package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/glimte/mailqueue/contracts"
)

// DefaultFilePath is where the file store keeps its records
const DefaultFilePath = "data/processed.json"

// FileStore keeps every record in one pretty-printed JSON array and rewrites
// the whole file on each append. Writes go through a temp file and rename so
// a crash never leaves a truncated array behind.
//
// The mutex serializes writers inside one process only. Two processes
// appending to the same file can still lose each other's records.
type FileStore struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewFileStore creates a store backed by path. The file and its directory
// are created on first append.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultFilePath
	}
	return &FileStore{path: path}
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

// Append adds record unless a record with the same id exists
func (s *FileStore) Append(ctx context.Context, record contracts.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	records, err := s.read()
	if err != nil {
		return storeError(BackendFile, "append", err)
	}

	for _, r := range records {
		if r.ID == record.ID {
			return nil
		}
	}

	records = append(records, record)
	return storeError(BackendFile, "append", s.write(records))
}

// List returns all records. A missing file reads as empty.
func (s *FileStore) List(ctx context.Context) ([]contracts.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	records, err := s.read()
	if err != nil {
		return nil, storeError(BackendFile, "list", err)
	}
	return records, nil
}

// Close marks the store closed
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) read() ([]contracts.ResultRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []contracts.ResultRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []contracts.ResultRecord{}, nil
	}

	var records []contracts.ResultRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt results file %s: %w", s.path, err)
	}
	if records == nil {
		records = []contracts.ResultRecord{}
	}
	return records, nil
}

func (s *FileStore) write(records []contracts.ResultRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
