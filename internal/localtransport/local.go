// Package localtransport runs a chain on the machine gridchain itself runs
// on. The "remote host" is a root directory; relative remote paths resolve
// against it and job scripts see it as $HOME.
package localtransport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/fsutil"
	"github.com/specialistvlad/gridchain/internal/manifest"
	"github.com/specialistvlad/gridchain/internal/transport"
)

// Kind is the connection kind this package registers.
const Kind = "local"

type push struct {
	local     string
	remoteDir string
}

// Endpoint implements transport.Endpoint on the local filesystem.
type Endpoint struct {
	host      string
	root      string
	submitter string
	shell     string
	manifest  string

	mu    sync.Mutex
	queue []push
}

var _ transport.Endpoint = (*Endpoint)(nil)

// Open is the transport.Factory for local connections. An empty root means
// the user's home directory. Without a host name the endpoint is named after
// its root, so two local endpoints never share a host.
func Open(ctx context.Context, s transport.Settings) (transport.Endpoint, error) {
	root := s.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no root given and no home directory: %w", err)
		}
		root = home
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		host:      s.Host,
		root:      root,
		submitter: s.Submitter,
		shell:     s.Shell,
		manifest:  s.Manifest,
	}
	if e.host == "" {
		e.host = "localhost:" + root
	}
	if e.shell == "" {
		e.shell = "bash"
	}
	if e.manifest == "" {
		e.manifest = manifest.DefaultPath
	}
	ctxlog.FromContext(ctx).Debug("Opened local endpoint.", "root", root)
	return e, nil
}

func (e *Endpoint) Host() string      { return e.host }
func (e *Endpoint) Submitter() string { return e.submitter }
func (e *Endpoint) Shell() string     { return e.shell }
func (e *Endpoint) Manifest() string  { return e.manifest }

// Root returns the directory standing in for the remote login directory.
func (e *Endpoint) Root() string { return e.root }

func (e *Endpoint) resolve(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.root, p)
}

// QueueForPush implements transport.Transport.
func (e *Endpoint) QueueForPush(local, remoteDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, push{local: local, remoteDir: remoteDir})
}

// Pending implements transport.Transport.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Wipe implements transport.Transport.
func (e *Endpoint) Wipe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
}

// Transfer copies every queued file. The queue is emptied even when a copy
// fails; the error names the first file that could not be copied.
func (e *Endpoint) Transfer(ctx context.Context) error {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, p := range queue {
		dst := filepath.Join(e.resolve(p.remoteDir), filepath.Base(p.local))
		if err := fsutil.CopyFile(p.local, dst); err != nil {
			return fmt.Errorf("failed to transfer %s: %w", p.local, err)
		}
	}
	ctxlog.FromContext(ctx).Debug("Transferred files.", "host", e.host, "count", len(queue))
	return nil
}

// Pull implements transport.Transport.
func (e *Endpoint) Pull(ctx context.Context, remote, local string) error {
	return fsutil.CopyFile(e.resolve(remote), local)
}

// Cmd runs command with bash inside the root directory. Asynchronous
// commands are started in their own session with output going to /dev/null,
// and keep running after gridchain exits.
func (e *Endpoint) Cmd(ctx context.Context, command string, async bool) (string, error) {
	logger := ctxlog.FromContext(ctx)
	if async {
		cmd := e.command(context.Background(), command)
		detach(cmd)
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("failed to start command: %w", err)
		}
		logger.Debug("Started background command.", "host", e.host, "pid", cmd.Process.Pid)
		go cmd.Wait() //nolint:errcheck
		return "", nil
	}

	var stdout, stderr bytes.Buffer
	cmd := e.command(ctx, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Debug("Running command.", "host", e.host, "command", command)
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

func (e *Endpoint) command(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = e.root
	cmd.Env = append(os.Environ(), "HOME="+e.root)
	return cmd
}

// Close implements transport.Endpoint.
func (e *Endpoint) Close() error { return nil }
