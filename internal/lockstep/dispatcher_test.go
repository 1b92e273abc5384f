package lockstep_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/lockstep"
	"github.com/specialistvlad/gridchain/internal/statestore"
	"github.com/specialistvlad/gridchain/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	f := testutil.New(t)
	f.Edge("a", "b")
	f.AppendDirect("a", 3)
	f.AppendDirect("b", 2)

	_, err := lockstep.Check(f.Registry)
	require.ErrorIs(t, err, lockstep.ErrGenerationMismatch)

	var mismatch *lockstep.MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, []lockstep.Count{{Dataset: "a", Generations: 3}, {Dataset: "b", Generations: 2}}, mismatch.Counts)
	assert.Contains(t, err.Error(), "a=3, b=2")

	f.AppendDirect("b", 1)
	n, err := lockstep.Check(f.Registry)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAppendRun_MismatchMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	f.AppendDirect("a", 3)
	f.AppendDirect("b", 2)

	_, err := lockstep.New(f.Registry).AppendRun(ctx, dataset.RunSpec{}, false)

	require.ErrorIs(t, err, lockstep.ErrGenerationMismatch)
	assert.Len(t, f.Dataset("a").Runners(), 3)
	assert.Len(t, f.Dataset("b").Runners(), 2)
	_, err = f.Store.Load(ctx, f.Dataset("a").ID())
	assert.ErrorIs(t, err, statestore.ErrNotFound, "nothing was saved")
}

func TestAppendRun_InstallsStalenessGuards(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Chain("a", "b", "c")

	runners, err := lockstep.New(f.Registry).AppendRun(ctx, dataset.RunSpec{Arguments: map[string]string{"n": "1"}}, false)
	require.NoError(t, err)
	require.Len(t, runners, 3)
	ra, rb, rc := runners[0], runners[1], runners[2]

	assert.Empty(t, ra.Guards(), "roots get no guard")
	assert.Equal(t, []fragment.Guard{{Fresh: []fragment.Freshness{{
		Run:    ra.RunFile().Fragment(),
		Result: ra.ResultFile().Fragment(),
	}}}}, rb.Guards())
	assert.Equal(t, []fragment.Guard{{Fresh: []fragment.Freshness{{
		Run:    rb.RunFile().Fragment(),
		Result: rb.ResultFile().Fragment(),
	}}}}, rc.Guards())

	for _, name := range []string{"a", "b", "c"} {
		rec, err := f.Store.Load(ctx, f.Dataset(name).ID())
		require.NoError(t, err, "eager append saves %s", name)
		assert.Len(t, rec.Runners, 1)
	}
}

func TestAppendRun_ParentAfterChild(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Dataset("child")
	f.Edge("parent", "child")

	runners, err := lockstep.New(f.Registry).AppendRun(ctx, dataset.RunSpec{}, true)
	require.NoError(t, err)

	child, parent := runners[0], runners[1]
	require.Len(t, child.Guards(), 1)
	assert.Equal(t, parent.ResultFile().Fragment(), child.Guards()[0].Fresh[0].Result)
}

func TestAppendRun_Lazy(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	l := lockstep.New(f.Registry)

	_, err := l.AppendRun(ctx, dataset.RunSpec{}, true)
	require.NoError(t, err)
	_, err = f.Store.Load(ctx, f.Dataset("a").ID())
	require.ErrorIs(t, err, statestore.ErrNotFound)

	require.NoError(t, l.FinishAppend(ctx))
	for _, name := range []string{"a", "b"} {
		_, err := f.Store.Load(ctx, f.Dataset(name).ID())
		assert.NoError(t, err)
	}
}

func TestAppendRun_FanIn(t *testing.T) {
	ctx := context.Background()
	build := func(t *testing.T) *testutil.Fixture {
		f := testutil.New(t)
		f.Edge("a", "c")
		f.Edge("b", "c")
		return f
	}

	t.Run("first", func(t *testing.T) {
		f := build(t)
		_, err := lockstep.New(f.Registry).AppendRun(ctx, dataset.RunSpec{}, true)
		require.NoError(t, err)
		guards := f.Dataset("c").Runners()[0].Guards()
		require.Len(t, guards, 1)
		require.Len(t, guards[0].Fresh, 1)
		assert.Equal(t, f.Dataset("a").Runners()[0].ResultFile().Fragment(), guards[0].Fresh[0].Result)
	})

	t.Run("all", func(t *testing.T) {
		f := build(t)
		_, err := lockstep.New(f.Registry, lockstep.WithFanIn(lockstep.FanInAll)).AppendRun(ctx, dataset.RunSpec{}, true)
		require.NoError(t, err)
		guards := f.Dataset("c").Runners()[0].Guards()
		require.Len(t, guards, 1)
		assert.Len(t, guards[0].Fresh, 2)
	})

	t.Run("reject", func(t *testing.T) {
		f := build(t)
		_, err := lockstep.New(f.Registry, lockstep.WithFanIn(lockstep.FanInReject)).AppendRun(ctx, dataset.RunSpec{}, true)
		require.ErrorIs(t, err, lockstep.ErrFanIn)
		assert.Empty(t, f.Dataset("a").Runners())
	})
}

func TestParseFanIn(t *testing.T) {
	for in, want := range map[string]lockstep.FanIn{"": lockstep.FanInFirst, "first": lockstep.FanInFirst, "all": lockstep.FanInAll, "reject": lockstep.FanInReject} {
		got, err := lockstep.ParseFanIn(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := lockstep.ParseFanIn("most")
	assert.ErrorContains(t, err, "unknown fan-in policy 'most'")
}

func TestFanOutVerbs(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	l := lockstep.New(f.Registry)
	_, err := l.AppendRun(ctx, dataset.RunSpec{Name: "first"}, false)
	require.NoError(t, err)

	require.NoError(t, l.ClearResults(ctx))
	require.NoError(t, l.WipeRemote(ctx))
	require.NoError(t, l.WipeLocal(ctx))
	assert.Len(t, f.Endpoint.Commands, 4, "clear results and wipe remote run once per dataset")

	require.NoError(t, l.ClearRuns(ctx))
	assert.Empty(t, f.Dataset("a").Runners())
	assert.Empty(t, f.Dataset("b").Runners())
}

func TestRemoveRun(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	l := lockstep.New(f.Registry)
	_, err := l.AppendRun(ctx, dataset.RunSpec{Name: "x"}, false)
	require.NoError(t, err)

	removed, err := l.RemoveRun(ctx, "x")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.Dataset("a").Runners())

	removed, err = l.RemoveRun(ctx, "x")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveRun_PartialIsFalse(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	l := lockstep.New(f.Registry)
	_, err := l.AppendRun(ctx, dataset.RunSpec{Name: "x"}, false)
	require.NoError(t, err)
	_, err = l.AppendRun(ctx, dataset.RunSpec{Name: "y"}, false)
	require.NoError(t, err)

	// Counts stay equal but b no longer has a run named x.
	_, err = f.Dataset("b").RemoveRun(ctx, "x", dataset.OriginGraph)
	require.NoError(t, err)
	_, err = f.Dataset("b").AppendRun(ctx, dataset.RunSpec{Name: "z"}, dataset.OriginGraph)
	require.NoError(t, err)

	removed, err := l.RemoveRun(ctx, "x")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, f.Dataset("a").Runners(), 1)
}

func TestFanOut_ErrorStopsImmediately(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	l := lockstep.New(f.Registry)
	_, err := l.AppendRun(ctx, dataset.RunSpec{}, false)
	require.NoError(t, err)

	f.Endpoint.CmdErr = errors.New("host unreachable")
	err = l.ClearResults(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear results on dataset 'a'")
	assert.Len(t, f.Endpoint.Commands, 1, "b was never touched")
}

func TestDirectCallCascadesThroughHook(t *testing.T) {
	ctx := context.Background()
	f := testutil.New(t)
	f.Edge("a", "b")
	l := lockstep.New(f.Registry)
	_, err := l.AppendRun(ctx, dataset.RunSpec{}, false)
	require.NoError(t, err)
	f.Dataset("a").SetHook(l)
	f.Dataset("b").SetHook(l)

	require.NoError(t, f.Dataset("a").ClearRuns(ctx, dataset.OriginDirect))

	assert.Empty(t, f.Dataset("a").Runners())
	assert.Empty(t, f.Dataset("b").Runners(), "cleared through the graph")
}

func TestClearRuns_LogsCarryVerb(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	f := testutil.New(t)
	f.Edge("a", "b")

	require.NoError(t, lockstep.New(f.Registry).ClearRuns(ctx))

	var cleared int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `msg="Cleared runs."`) {
			cleared++
			assert.Contains(t, line, `verb="clear runs"`)
		}
	}
	assert.Equal(t, 2, cleared)
}
