// Package testutil builds small dataset graphs backed by recording
// transports for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/graph"
	"github.com/specialistvlad/gridchain/internal/localdataset"
	"github.com/specialistvlad/gridchain/internal/statestore"
	"github.com/specialistvlad/gridchain/internal/transport/transporttest"
	"github.com/stretchr/testify/require"
)

// Fixture is a graph of local datasets. Datasets share one recording
// endpoint unless created with DatasetOn.
type Fixture struct {
	t        *testing.T
	Registry *graph.Registry[dataset.Dataset]
	Endpoint *transporttest.Recorder
	Store    *statestore.MemoryStore
	Root     string

	datasets map[string]*localdataset.Dataset
}

// New creates an empty fixture on host "hpc1".
func New(t *testing.T) *Fixture {
	t.Helper()
	return &Fixture{
		t:        t,
		Registry: graph.New[dataset.Dataset](),
		Endpoint: transporttest.New("hpc1"),
		Store:    statestore.NewMemoryStore(),
		Root:     t.TempDir(),
		datasets: make(map[string]*localdataset.Dataset),
	}
}

// Dataset returns the named dataset, creating and registering it on the
// shared endpoint the first time.
func (f *Fixture) Dataset(name string) *localdataset.Dataset {
	f.t.Helper()
	return f.DatasetOn(name, f.Endpoint)
}

// DatasetOn returns the named dataset, creating it on rec if it does not
// exist yet.
func (f *Fixture) DatasetOn(name string, rec *transporttest.Recorder) *localdataset.Dataset {
	f.t.Helper()
	if d, ok := f.datasets[name]; ok {
		return d
	}
	d, err := localdataset.Open(context.Background(), localdataset.Config{
		Name:       name,
		Function:   name + "() {\n  echo " + name + "\n}",
		Entrypoint: name,
		LocalDir:   filepath.Join(f.Root, name),
		RemoteDir:  "runs/" + name,
		Endpoint:   rec,
		Store:      f.Store,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.Registry.Add(d))
	f.datasets[name] = d
	return d
}

// Edge registers producer -> consumer, creating both datasets if needed.
func (f *Fixture) Edge(producer, consumer string) {
	f.t.Helper()
	require.NoError(f.t, f.Registry.AddEdge(f.Dataset(producer), f.Dataset(consumer)))
}

// Chain registers a linear chain names[0] -> names[1] -> ...
func (f *Fixture) Chain(names ...string) {
	f.t.Helper()
	for i := 1; i < len(names); i++ {
		f.Edge(names[i-1], names[i])
	}
}

// AppendDirect appends n runs to one dataset only, bypassing the lockstep
// dispatcher.
func (f *Fixture) AppendDirect(name string, n int) {
	f.t.Helper()
	d := f.Dataset(name)
	for i := 0; i < n; i++ {
		_, err := d.AppendRun(context.Background(), dataset.RunSpec{}, dataset.OriginDirect)
		require.NoError(f.t, err)
	}
}
