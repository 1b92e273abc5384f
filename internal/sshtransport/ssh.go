// Package sshtransport reaches a remote host over SSH. Files are streamed
// through a session into `cat`, so the host needs nothing but a POSIX shell.
package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/manifest"
	"github.com/specialistvlad/gridchain/internal/transport"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Kind is the connection kind this package registers.
const Kind = "ssh"

// missingStatus is the exit status pullCommand uses for a missing file.
const missingStatus = 66

const dialTimeout = 30 * time.Second

type push struct {
	local     string
	remoteDir string
}

// Endpoint implements transport.Endpoint over one SSH client connection.
type Endpoint struct {
	host      string
	submitter string
	shell     string
	manifest  string
	client    *ssh.Client

	mu    sync.Mutex
	queue []push
}

var _ transport.Endpoint = (*Endpoint)(nil)

// Dial is the transport.Factory for ssh connections.
func Dial(ctx context.Context, s transport.Settings) (transport.Endpoint, error) {
	cfg, err := clientConfig(s)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port(s)))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	ctxlog.FromContext(ctx).Debug("Connected over ssh.", "addr", addr, "user", cfg.User)

	e := &Endpoint{
		host:      s.Host,
		submitter: s.Submitter,
		shell:     s.Shell,
		manifest:  s.Manifest,
		client:    ssh.NewClient(c, chans, reqs),
	}
	if e.shell == "" {
		e.shell = "bash"
	}
	if e.manifest == "" {
		e.manifest = manifest.DefaultPath
	}
	return e, nil
}

func port(s transport.Settings) int {
	if s.Port == 0 {
		return 22
	}
	return s.Port
}

func clientConfig(s transport.Settings) (*ssh.ClientConfig, error) {
	if s.Host == "" {
		return nil, errors.New("ssh connection needs a host")
	}
	user := s.User
	if user == "" {
		user = os.Getenv("USER")
	}

	identity := expandHome(s.IdentityFile)
	if identity == "" {
		identity = expandHome("~/.ssh/id_ed25519")
	}
	key, err := os.ReadFile(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", identity, err)
	}

	known := expandHome(s.KnownHosts)
	if known == "" {
		known = expandHome("~/.ssh/known_hosts")
	}
	hostKeys, err := knownhosts.New(known)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}, nil
}

func expandHome(p string) string {
	if p == "~" || len(p) > 1 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

func (e *Endpoint) Host() string      { return e.host }
func (e *Endpoint) Submitter() string { return e.submitter }
func (e *Endpoint) Shell() string     { return e.shell }
func (e *Endpoint) Manifest() string  { return e.manifest }

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

// Transfer streams every queued file, one session per file.
func (e *Endpoint) Transfer(ctx context.Context) error {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, p := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.push(p); err != nil {
			return fmt.Errorf("failed to transfer %s to %s: %w", p.local, e.host, err)
		}
	}
	ctxlog.FromContext(ctx).Debug("Transferred files.", "host", e.host, "count", len(queue))
	return nil
}

func (e *Endpoint) push(p push) error {
	f, err := os.Open(p.local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.Stdin = f
	var stderr bytes.Buffer
	sess.Stderr = &stderr
	if err := sess.Run(pushCommand(p.remoteDir, filepath.Base(p.local), info.Mode().Perm())); err != nil {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Pull implements transport.Transport.
func (e *Endpoint) Pull(ctx context.Context, remote, local string) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	data, err := sess.Output(pullCommand(remote))
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitStatus() == missingStatus {
		return fmt.Errorf("pull %s from %s: %w", remote, e.host, fs.ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("pull %s from %s: %w", remote, e.host, err)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, data, 0o644)
}

// Cmd runs command in a new session. Asynchronous commands are detached
// with nohup so they outlive the session.
func (e *Endpoint) Cmd(ctx context.Context, command string, async bool) (string, error) {
	sess, err := e.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	logger := ctxlog.FromContext(ctx)
	if async {
		logger.Debug("Starting background command.", "host", e.host, "command", command)
		if err := sess.Run(asyncCommand(command)); err != nil {
			return "", fmt.Errorf("failed to start command on %s: %w", e.host, err)
		}
		return "", nil
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	logger.Debug("Running command.", "host", e.host, "command", command)
	if err := sess.Run(command); err != nil {
		return stdout.String(), fmt.Errorf("command failed on %s: %w: %s", e.host, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

// Close implements transport.Endpoint.
func (e *Endpoint) Close() error {
	return e.client.Close()
}

func pushCommand(remoteDir, name string, mode fs.FileMode) string {
	dir := fragment.HostPath(remoteDir)
	target := fragment.HostPath(path.Join(remoteDir, name))
	return fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s", dir, target, mode, target)
}

func pullCommand(remote string) string {
	p := fragment.HostPath(remote)
	return fmt.Sprintf("if [ -f %s ]; then cat %s; else exit %d; fi", p, p, missingStatus)
}

func asyncCommand(command string) string {
	return "nohup bash -c " + shellescape.Quote(command) + " > /dev/null 2>&1 &"
}
