package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/notify"
	"github.com/specialistvlad/gridchain/internal/reconcile"
	"github.com/specialistvlad/gridchain/internal/transport"
	"github.com/specialistvlad/gridchain/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPipeline = `
variable "lr" {
  default = "0.1"
}

connection "hpc" {
  kind = "fake"
  host = "hpc1"
}

dataset "prepare" {
  connection  = "hpc"
  function    = "prepare() { echo ok; }"
  entrypoint  = "prepare"
  extra_files = ["config.yaml"]
}

dataset "train" {
  connection = "hpc"
  function   = "train() { echo ok; }"
  entrypoint = "train"
  depends_on = ["prepare"]
}

run "baseline" {
  arguments = { lr = var.lr }
}

run "tuned" {
  arguments = { lr = "0.01" }
}
`

type recordingPublisher struct {
	events []notify.Event
	closed bool
}

func (p *recordingPublisher) Publish(ctx context.Context, ev notify.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

// fakeTransports registers a recording endpoint for the "fake" kind.
func fakeTransports(recs map[string]*transporttest.Recorder) *transport.Registry {
	r := transport.NewRegistry()
	r.Register("fake", func(ctx context.Context, s transport.Settings) (transport.Endpoint, error) {
		rec := transporttest.New(s.Host)
		recs[s.Name] = rec
		return rec, nil
	})
	return r
}

func setup(t *testing.T) (*App, map[string]*transporttest.Recorder, *recordingPublisher) {
	t.Helper()
	recs := make(map[string]*transporttest.Recorder)
	pub := &recordingPublisher{}
	a, _ := SetupAppTest(t, testPipeline, WithTransports(fakeTransports(recs)), WithPublisher(pub))
	return a, recs, pub
}

func TestNewApp_BuildsGraph(t *testing.T) {
	a, recs, _ := setup(t)

	require.Len(t, recs, 1, "datasets on one connection share an endpoint")
	datasets := a.Graph().Datasets()
	require.Len(t, datasets, 2)
	assert.Equal(t, "prepare", datasets[0].Name())
	assert.Equal(t, "train", datasets[1].Name())
	require.Len(t, a.Graph().ChildrenOf(datasets[0]), 1)
	assert.Equal(t, "train", a.Graph().ChildrenOf(datasets[0])[0].Name())
	assert.Equal(t, "gridchain/train", datasets[1].RemoteDir())
	assert.Equal(t, filepath.Join(a.config.StateDir, "datasets", "prepare"), datasets[0].LocalDir())
}

func TestApp_Append(t *testing.T) {
	ctx := context.Background()
	a, _, _ := setup(t)

	appended, err := a.Append(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"baseline", "tuned"}, appended)
	for _, d := range a.Graph().Datasets() {
		require.Len(t, d.Runners(), 2)
		assert.Equal(t, "baseline", d.Runners()[0].Name())
	}

	appended, err = a.Append(ctx)
	require.NoError(t, err)
	assert.Empty(t, appended)

	_, err = a.Append(ctx, "ghost")
	assert.ErrorContains(t, err, "no run block named 'ghost'")

	_, err = a.Append(ctx, "baseline")
	assert.Error(t, err, "a run name can only be appended once")
}

func TestApp_RunDryRunAndDispatch(t *testing.T) {
	ctx := context.Background()
	a, recs, pub := setup(t)
	_, err := a.Append(ctx, "baseline")
	require.NoError(t, err)

	plan, err := a.Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, plan.Staged(), 2)
	assert.Empty(t, recs["hpc"].Commands)
	assert.Zero(t, recs["hpc"].Transfers)
	assert.FileExists(t, filepath.Join(a.config.StateDir, "stage", "gridchain-master.sh"))

	plan, err = a.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Len(t, plan.Staged(), 2, "dry-run generations are staged again")
	require.Len(t, recs["hpc"].Commands, 1)
	assert.True(t, recs["hpc"].Commands[0].Async)
	for _, d := range a.Graph().Datasets() {
		assert.Equal(t, dataset.StateSubmitPending, d.Runners()[0].State())
	}

	require.Len(t, pub.events, 2)
	assert.Equal(t, notify.EventDryRun, pub.events[0].Name)
	assert.Equal(t, notify.EventDispatched, pub.events[1].Name)
}

func TestApp_CheckPublishesFailure(t *testing.T) {
	ctx := context.Background()
	a, recs, pub := setup(t)
	_, err := a.Append(ctx, "baseline")
	require.NoError(t, err)

	require.NoError(t, a.Check(ctx))
	assert.Empty(t, pub.events)

	train := a.Graph().Datasets()[1]
	r := train.Runners()[0]
	r.SetState(dataset.StateFailed)
	recs["hpc"].Files[r.ErrorFile().Remote()] = []byte("out of memory")

	err = a.Check(ctx)
	var fe *reconcile.FailureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "train", fe.Dataset)

	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.EventFailed, pub.events[0].Name)
	assert.Equal(t, "train", pub.events[0].Anchor)
	assert.Contains(t, pub.events[0].Detail, "out of memory")
}

func TestApp_StatePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "pipeline.hcl")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(testPipeline), 0o644))
	cfg, err := NewConfig(Config{PipelinePath: pipelinePath, StateDir: filepath.Join(dir, "state")})
	require.NoError(t, err)

	open := func() *App {
		a, err := NewApp(ctx, &bytes.Buffer{}, cfg, WithTransports(fakeTransports(map[string]*transporttest.Recorder{})))
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		return a
	}

	first := open()
	_, err = first.Append(ctx)
	require.NoError(t, err)

	second := open()
	for _, d := range second.Graph().Datasets() {
		assert.Len(t, d.Runners(), 2)
	}
	appended, err := second.Append(ctx)
	require.NoError(t, err)
	assert.Empty(t, appended)
}

func TestApp_LifecycleVerbs(t *testing.T) {
	ctx := context.Background()
	a, recs, _ := setup(t)
	_, err := a.Append(ctx)
	require.NoError(t, err)

	removed, err := a.RemoveRun(ctx, "tuned")
	require.NoError(t, err)
	assert.True(t, removed)
	for _, d := range a.Graph().Datasets() {
		assert.Len(t, d.Runners(), 1)
	}

	assert.ErrorContains(t, a.Wipe(ctx, false, false), "nothing to wipe")
	require.NoError(t, a.Wipe(ctx, true, true))
	assert.NotEmpty(t, recs["hpc"].Commands)

	require.NoError(t, a.ClearResults(ctx))
	require.NoError(t, a.ClearRuns(ctx))
	for _, d := range a.Graph().Datasets() {
		assert.Empty(t, d.Runners())
	}

	_, err = a.Append(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Reset(ctx))
	for _, d := range a.Graph().Datasets() {
		assert.Empty(t, d.Runners())
	}
}

func TestApp_PrintGraph(t *testing.T) {
	ctx := context.Background()
	a, _, _ := setup(t)
	_, err := a.Append(ctx, "baseline")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, a.PrintGraph(&out))

	datasets := a.Graph().Datasets()
	want := "prepare (" + datasets[0].ID() + ") on hpc1: 1 created\n" +
		"  -> train\n" +
		"train (" + datasets[1].ID() + ") on hpc1: 1 created\n"
	assert.Equal(t, want, out.String())
}

func TestApp_Sync(t *testing.T) {
	ctx := context.Background()
	a, recs, _ := setup(t)
	_, err := a.Append(ctx, "baseline")
	require.NoError(t, err)
	_, err = a.Run(ctx, RunOptions{})
	require.NoError(t, err)

	r := a.Graph().Datasets()[0].Runners()[0]
	recs["hpc"].Output = "1700000000 " + r.ID() + " completed\n"

	summary, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, dataset.StateCompleted, r.State())
}

func TestApp_Close(t *testing.T) {
	a, recs, pub := setup(t)
	require.NoError(t, a.Close())
	assert.True(t, recs["hpc"].Closed)
	assert.True(t, pub.closed)
}

func TestNewApp_Errors(t *testing.T) {
	t.Run("unknown fan-in", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, "p.hcl")
		require.NoError(t, os.WriteFile(p, []byte(`settings { fan_in = "sometimes" }`), 0o644))
		cfg, err := NewConfig(Config{PipelinePath: p, StateDir: filepath.Join(dir, "state")})
		require.NoError(t, err)

		_, err = NewApp(context.Background(), &bytes.Buffer{}, cfg)
		assert.ErrorContains(t, err, "unknown fan-in policy 'sometimes'")
	})

	t.Run("unknown connection kind", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, "p.hcl")
		require.NoError(t, os.WriteFile(p, []byte(`
connection "x" {
  kind = "carrier-pigeon"
}
dataset "a" {
  connection = "x"
  function   = "a() { :; }"
  entrypoint = "a"
}`), 0o644))
		cfg, err := NewConfig(Config{PipelinePath: p, StateDir: filepath.Join(dir, "state")})
		require.NoError(t, err)

		_, err = NewApp(context.Background(), &bytes.Buffer{}, cfg)
		assert.ErrorContains(t, err, "unknown kind 'carrier-pigeon'")
	})

	t.Run("missing pipeline", func(t *testing.T) {
		cfg, err := NewConfig(Config{PipelinePath: filepath.Join(t.TempDir(), "missing")})
		require.NoError(t, err)
		_, err = NewApp(context.Background(), &bytes.Buffer{}, cfg)
		assert.ErrorContains(t, err, "failed to load pipeline")
	})
}

func TestNewApp_LocalConnection(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "p.hcl")
	require.NoError(t, os.WriteFile(p, []byte(`
connection "local" {
  kind = "local"
  root = "`+filepath.ToSlash(filepath.Join(dir, "remote"))+`"
}
dataset "a" {
  function   = "a() { :; }"
  entrypoint = "a"
}
run "only" {}
`), 0o644))
	cfg, err := NewConfig(Config{PipelinePath: p, StateDir: filepath.Join(dir, "state")})
	require.NoError(t, err)

	a, err := NewApp(context.Background(), &bytes.Buffer{}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Append(context.Background())
	require.NoError(t, err)
	plan, err := a.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, plan.Staged(), 1)
	assert.Equal(t, "localhost:"+filepath.Join(dir, "remote"), a.Graph().Datasets()[0].Connection().Host())
}
