package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/lockstep"
	"github.com/specialistvlad/gridchain/internal/reconcile"
	"github.com/specialistvlad/gridchain/internal/testutil"
	"github.com/specialistvlad/gridchain/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDataset counts FetchResults calls.
type countingDataset struct {
	dataset.Dataset
	fetches int
}

func (d *countingDataset) FetchResults(ctx context.Context) error {
	d.fetches++
	return d.Dataset.FetchResults(ctx)
}

func appendRun(t *testing.T, f *testutil.Fixture) {
	t.Helper()
	_, err := lockstep.New(f.Registry).AppendRun(context.Background(), dataset.RunSpec{}, false)
	require.NoError(t, err)
}

func TestCheckFailure_NamesFirstFailingDataset(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Chain("a", "b", "c")
	appendRun(t, f)

	failed := f.Dataset("b").Runners()[0]
	failed.SetState(dataset.StateFailed)
	f.Endpoint.Files[failed.ErrorFile().Remote()] = []byte("segfault in step 2\n")

	wrapped := []*countingDataset{
		{Dataset: f.Dataset("a")},
		{Dataset: f.Dataset("b")},
		{Dataset: f.Dataset("c")},
	}
	datasets := make([]dataset.Dataset, len(wrapped))
	for i, w := range wrapped {
		datasets[i] = w
	}

	err := reconcile.CheckFailure(ctx, datasets)
	require.ErrorIs(t, err, reconcile.ErrRunFailed)

	var fe *reconcile.FailureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "b", fe.Dataset)
	assert.Equal(t, []string{fmt.Sprintf("run-0 (%s): segfault in step 2", failed.ID())}, fe.Diagnostics)
	assert.Contains(t, err.Error(), "dataset 'b' has failed runs")

	assert.Equal(t, 0, wrapped[0].fetches)
	assert.Equal(t, 1, wrapped[1].fetches)
	assert.Equal(t, 0, wrapped[2].fetches)
}

func TestCheckFailure_NoFailures(t *testing.T) {
	f := testutil.New(t)
	f.Chain("a", "b")
	appendRun(t, f)
	f.Dataset("a").Runners()[0].SetState(dataset.StateCompleted)

	require.NoError(t, reconcile.CheckFailure(context.Background(), f.Registry.Datasets()))
	assert.Empty(t, f.Endpoint.Pulls)
}

func TestCheckFailure_FetchError(t *testing.T) {
	f := testutil.New(t)
	f.Dataset("a")
	f.AppendDirect("a", 1)
	f.Dataset("a").Runners()[0].SetState(dataset.StateFailed)

	boom := errors.New("connection reset")
	err := reconcile.CheckFailure(context.Background(), []dataset.Dataset{&failingFetch{Dataset: f.Dataset("a"), err: boom}})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, reconcile.ErrRunFailed)
}

type failingFetch struct {
	dataset.Dataset
	err error
}

func (d *failingFetch) FetchResults(context.Context) error { return d.err }

func TestSync_OneFetchPerHost(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	remote := transporttest.New("hpc2")
	remote.ManifestPath = ".gridchain/manifest.log"
	f.Dataset("a")
	f.Dataset("b")
	f.DatasetOn("c", remote)
	f.Chain("a", "b", "c")
	appendRun(t, f)
	appendRun(t, f)

	ra := f.Dataset("a").Runners()
	rb := f.Dataset("b").Runners()
	rc := f.Dataset("c").Runners()
	for _, r := range append(append(append([]dataset.Runner{}, ra...), rb...), rc[0]) {
		r.SetState(dataset.StateSubmitPending)
	}

	f.Endpoint.Output = fmt.Sprintf("100 %s started\n101 %s completed\n102 %s started\ntorn li\n103 %s failed\n",
		ra[0].ID(), ra[0].ID(), rb[0].ID(), ra[1].ID())
	remote.Output = fmt.Sprintf("100 %s completed\n100 %s started\n", rc[0].ID(), rc[1].ID())

	summary, err := reconcile.Sync(ctx, f.Registry.Datasets())
	require.NoError(t, err)

	assert.Equal(t, []transporttest.Command{{Command: `cat /tmp/manifest.log 2>/dev/null || true`}}, f.Endpoint.Commands)
	assert.Equal(t, []transporttest.Command{{Command: `cat "$HOME"/.gridchain/manifest.log 2>/dev/null || true`}}, remote.Commands)

	assert.Equal(t, dataset.StateCompleted, ra[0].State())
	assert.Equal(t, dataset.StateFailed, ra[1].State())
	assert.Equal(t, dataset.StateStarted, rb[0].State())
	assert.Equal(t, dataset.StateSubmitPending, rb[1].State(), "no manifest entry yet")
	assert.Equal(t, dataset.StateCompleted, rc[0].State())
	assert.Equal(t, dataset.StateCreated, rc[1].State(), "never dispatched runners are left alone")

	assert.Equal(t, 2, summary.Hosts)
	assert.Equal(t, 4, summary.Updated)
	assert.Equal(t, map[dataset.State]int{
		dataset.StateCompleted:     2,
		dataset.StateFailed:        1,
		dataset.StateStarted:       1,
		dataset.StateSubmitPending: 1,
	}, summary.States)

	rec, err := f.Store.Load(ctx, f.Dataset("a").ID())
	require.NoError(t, err)
	assert.Equal(t, string(dataset.StateCompleted), rec.Runners[0].State)
	assert.Equal(t, string(dataset.StateFailed), rec.Runners[1].State)
}

func TestSync_SameHostNameSeparateManifests(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	other := transporttest.New(f.Endpoint.HostName)
	other.ManifestPath = "/scratch/manifest.log"
	f.Dataset("a")
	f.DatasetOn("b", other)
	f.Edge("a", "b")
	appendRun(t, f)

	ra := f.Dataset("a").Runners()[0]
	rb := f.Dataset("b").Runners()[0]
	ra.SetState(dataset.StateSubmitPending)
	rb.SetState(dataset.StateSubmitPending)
	f.Endpoint.Output = fmt.Sprintf("100 %s completed\n", ra.ID())
	other.Output = fmt.Sprintf("101 %s completed\n", rb.ID())

	summary, err := reconcile.Sync(ctx, f.Registry.Datasets())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Hosts)
	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, dataset.StateCompleted, ra.State())
	assert.Equal(t, dataset.StateCompleted, rb.State())
	assert.Len(t, other.Commands, 1)
}

func TestSync_NothingDispatched(t *testing.T) {
	f := testutil.New(t)
	f.Chain("a", "b")
	appendRun(t, f)

	summary, err := reconcile.Sync(context.Background(), f.Registry.Datasets())
	require.NoError(t, err)
	assert.Zero(t, summary.Hosts)
	assert.Empty(t, f.Endpoint.Commands)
}

func TestSync_FetchFailureAppliesNothing(t *testing.T) {
	f := testutil.New(t)
	remote := transporttest.New("hpc2")
	remote.CmdErr = errors.New("host unreachable")
	f.Dataset("a")
	f.DatasetOn("b", remote)
	f.Edge("a", "b")
	appendRun(t, f)

	ra := f.Dataset("a").Runners()[0]
	ra.SetState(dataset.StateSubmitPending)
	f.Dataset("b").Runners()[0].SetState(dataset.StateSubmitPending)
	f.Endpoint.Output = fmt.Sprintf("100 %s completed\n", ra.ID())

	_, err := reconcile.Sync(context.Background(), f.Registry.Datasets())
	require.ErrorContains(t, err, "sync host hpc2")
	assert.Equal(t, dataset.StateSubmitPending, ra.State())
}
