// Package statestore persists what a dataset knows about its runner
// generations between invocations of the CLI.
//
// Every dataset is one Record. FileStore keeps each record as a YAML
// document on disk; MemoryStore keeps encoded records in memory and is used
// by tests and dry runs.
package statestore

import (
	"context"
	"errors"

	"github.com/specialistvlad/gridchain/internal/fragment"
)

// ErrNotFound is returned by Load when no record exists for the id.
var ErrNotFound = errors.New("state record not found")

// Record is the persisted state of one dataset.
type Record struct {
	Dataset string         `yaml:"dataset"`
	ID      string         `yaml:"id"`
	Runners []RunnerRecord `yaml:"runners,omitempty"`
}

// RunnerRecord is the persisted state of one runner generation.
type RunnerRecord struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Dir          string            `yaml:"dir"`
	Arguments    map[string]string `yaml:"arguments,omitempty"`
	Extra        string            `yaml:"extra,omitempty"`
	Asynchronous bool              `yaml:"asynchronous,omitempty"`
	AvoidNodes   bool              `yaml:"avoid_nodes,omitempty"`
	State        string            `yaml:"state"`
	Guards       []fragment.Guard  `yaml:"guards,omitempty"`
	Error        string            `yaml:"error,omitempty"`
}

// Store loads and saves dataset records.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Load returns the record for a dataset id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)
	// Save replaces the record stored under rec.ID.
	Save(ctx context.Context, rec *Record) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
}
