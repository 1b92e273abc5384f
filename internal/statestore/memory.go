package statestore

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an ephemeral Store. Records are kept encoded, so callers
// never share slices or maps with what is stored.
type MemoryStore struct {
	records sync.Map // Key: dataset id, Value: []byte (YAML document)
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Record, error) {
	v, ok := s.records.Load(id)
	if !ok {
		return nil, fmt.Errorf("dataset '%s': %w", id, ErrNotFound)
	}
	return decode(id, v.([]byte))
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode state for dataset '%s': %w", rec.ID, err)
	}
	s.records.Store(rec.ID, data)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.records.Delete(id)
	return nil
}
