package statestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"gopkg.in/yaml.v3"
)

// FileStore keeps one YAML document per dataset in a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir. The directory is created on
// the first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("dataset '%s': %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for dataset '%s': %w", id, err)
	}
	return decode(id, data)
}

// Save implements Store. The document is written to a temporary file first
// and renamed into place, so an interrupted save never leaves a torn record.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return errors.New("cannot save state record without an id")
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode state for dataset '%s': %w", rec.ID, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save state for dataset '%s': %w", rec.ID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save state for dataset '%s': %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save state for dataset '%s': %w", rec.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.ID)); err != nil {
		return fmt.Errorf("failed to save state for dataset '%s': %w", rec.ID, err)
	}
	ctxlog.FromContext(ctx).Debug("Saved dataset state.", "dataset", rec.Dataset, "id", rec.ID, "runners", len(rec.Runners))
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete state for dataset '%s': %w", id, err)
	}
	return nil
}

func decode(id string, data []byte) (*Record, error) {
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode state for dataset '%s': %w", id, err)
	}
	return &rec, nil
}
