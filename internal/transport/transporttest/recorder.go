// Package transporttest provides a recording transport.Endpoint for tests.
package transporttest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/gridchain/internal/transport"
)

// Push is one queued or transferred file.
type Push struct {
	Local     string
	RemoteDir string
}

// Command is one recorded Cmd call.
type Command struct {
	Command string
	Async   bool
}

// Recorder records every call instead of touching a remote host. Remote
// files served by Pull are taken from Files, keyed by remote path.
type Recorder struct {
	HostName      string
	SubmitterName string
	ShellName     string
	ManifestPath  string

	// Files maps remote paths to the content Pull returns.
	Files map[string][]byte
	// Output is returned by every synchronous Cmd call.
	Output string
	// CmdErr, when set, is returned by Cmd.
	CmdErr error

	mu          sync.Mutex
	queue       []Push
	Transferred []Push
	Transfers   int
	Wipes       int
	Commands    []Command
	Pulls       []string
	Closed      bool
}

var _ transport.Endpoint = (*Recorder)(nil)

// New creates a recorder for a queue-equipped host.
func New(host string) *Recorder {
	return &Recorder{
		HostName:      host,
		SubmitterName: "sbatch",
		ShellName:     "bash",
		ManifestPath:  "/tmp/manifest.log",
		Files:         make(map[string][]byte),
	}
}

func (r *Recorder) Host() string { return r.HostName }
func (r *Recorder) Submitter() string { return r.SubmitterName }
func (r *Recorder) Shell() string { return r.ShellName }
func (r *Recorder) Manifest() string { return r.ManifestPath }

// QueueForPush implements transport.Transport.
func (r *Recorder) QueueForPush(local, remoteDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, Push{Local: local, RemoteDir: remoteDir})
}

// Queued returns a copy of the pending queue.
func (r *Recorder) Queued() []Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Push(nil), r.queue...)
}

// Pending implements transport.Transport.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Transfer implements transport.Transport.
func (r *Recorder) Transfer(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transfers++
	r.Transferred = append(r.Transferred, r.queue...)
	r.queue = nil
	return nil
}

// Wipe implements transport.Transport.
func (r *Recorder) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Wipes++
	r.queue = nil
}

// Pull implements transport.Transport.
func (r *Recorder) Pull(ctx context.Context, remote, local string) error {
	r.mu.Lock()
	r.Pulls = append(r.Pulls, remote)
	data, ok := r.Files[path.Clean(remote)]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("pull %s: %w", remote, os.ErrNotExist)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, data, 0o644)
}

// Cmd implements transport.Connection.
func (r *Recorder) Cmd(ctx context.Context, command string, async bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, Command{Command: command, Async: async})
	if r.CmdErr != nil {
		return "", r.CmdErr
	}
	if async {
		return "", nil
	}
	return r.Output, nil
}

// Close implements transport.Endpoint.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}
