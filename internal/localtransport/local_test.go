package localtransport

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/specialistvlad/gridchain/internal/manifest"
	"github.com/specialistvlad/gridchain/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) (*Endpoint, string) {
	t.Helper()
	root := t.TempDir()
	ep, err := Open(context.Background(), transport.Settings{Name: "local", Kind: Kind, Root: root})
	require.NoError(t, err)
	return ep.(*Endpoint), root
}

func TestOpen_Defaults(t *testing.T) {
	e, root := openTest(t)
	assert.Equal(t, "localhost:"+root, e.Host())
	assert.Equal(t, "bash", e.Shell())
	assert.Empty(t, e.Submitter())
	assert.Equal(t, manifest.DefaultPath, e.Manifest())
	assert.Equal(t, root, e.Root())
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	e, root := openTest(t)
	src := filepath.Join(t.TempDir(), "a.job.sh")
	require.NoError(t, os.WriteFile(src, []byte("echo hi\n"), 0o755))

	e.QueueForPush(src, "runs/a")
	e.QueueForPush(src, filepath.Join(root, "abs"))
	assert.Equal(t, 2, e.Pending())

	require.NoError(t, e.Transfer(ctx))
	assert.Zero(t, e.Pending())

	data, err := os.ReadFile(filepath.Join(root, "runs", "a", "a.job.sh"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(data))
	assert.FileExists(t, filepath.Join(root, "abs", "a.job.sh"))

	info, err := os.Stat(filepath.Join(root, "runs", "a", "a.job.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "mode preserved")
}

func TestWipe(t *testing.T) {
	e, root := openTest(t)
	e.QueueForPush("/does/not/matter", "runs")
	e.Wipe()

	require.NoError(t, e.Transfer(context.Background()))
	assert.NoDirExists(t, filepath.Join(root, "runs"))
}

func TestPull(t *testing.T) {
	ctx := context.Background()
	e, root := openTest(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "runs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "runs", "x.result"), []byte("42"), 0o644))
	local := filepath.Join(t.TempDir(), "stage", "x.result")

	require.NoError(t, e.Pull(ctx, "runs/x.result", local))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	err = e.Pull(ctx, "runs/missing", local)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCmd(t *testing.T) {
	ctx := context.Background()
	e, root := openTest(t)

	out, err := e.Cmd(ctx, `echo "$HOME" && pwd`, false)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, root, lines[0])
	got, err := filepath.EvalSymlinks(lines[1])
	require.NoError(t, err)
	assert.Equal(t, resolved, got)

	_, err = e.Cmd(ctx, "echo oops >&2; exit 3", false)
	assert.ErrorContains(t, err, "oops")
}

func TestCmd_Async(t *testing.T) {
	e, root := openTest(t)

	out, err := e.Cmd(context.Background(), "sleep 0.1 && touch done", true)
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "done"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOpen_HostPerRoot(t *testing.T) {
	a, _ := openTest(t)
	b, _ := openTest(t)
	assert.NotEqual(t, a.Host(), b.Host())

	named, err := Open(context.Background(), transport.Settings{Host: "box", Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "box", named.Host())
}

// exitingCallerRoot is set when the test binary runs as a short-lived
// caller that starts a background command and exits at once.
const exitingCallerRoot = "GRIDCHAIN_TEST_EXITING_CALLER_ROOT"

func TestCmd_AsyncOutlivesCaller(t *testing.T) {
	if root := os.Getenv(exitingCallerRoot); root != "" {
		ctx := context.Background()
		ep, err := Open(ctx, transport.Settings{Root: root})
		if err != nil {
			os.Exit(1)
		}
		if _, err := ep.Cmd(ctx, "sleep 0.3; echo 'Submitted batch job 1'; echo noise >&2; touch after-echo", true); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	root := t.TempDir()
	caller := exec.Command(os.Args[0], "-test.run=^TestCmd_AsyncOutlivesCaller$")
	caller.Env = append(os.Environ(), exitingCallerRoot+"="+root)
	out, err := caller.CombinedOutput()
	require.NoError(t, err, string(out))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "after-echo"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "the command kept running after writing to its stdout")
}
