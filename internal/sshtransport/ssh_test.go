package sshtransport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/gridchain/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestPushCommand(t *testing.T) {
	assert.Equal(t,
		`mkdir -p "$HOME"/runs/a && cat > "$HOME"/runs/a/x.job.sh && chmod 755 "$HOME"/runs/a/x.job.sh`,
		pushCommand("runs/a", "x.job.sh", 0o755))
	assert.Equal(t,
		`mkdir -p /scratch && cat > /scratch/x.run.sh && chmod 644 /scratch/x.run.sh`,
		pushCommand("/scratch", "x.run.sh", 0o644))
}

func TestPullCommand(t *testing.T) {
	assert.Equal(t,
		`if [ -f "$HOME"/runs/a/x.result ]; then cat "$HOME"/runs/a/x.result; else exit 66; fi`,
		pullCommand("runs/a/x.result"))
}

func TestAsyncCommand(t *testing.T) {
	assert.Equal(t,
		`nohup bash -c 'cd "$HOME"/runs && bash gridchain-master.sh' > /dev/null 2>&1 &`,
		asyncCommand(`cd "$HOME"/runs && bash gridchain-master.sh`))
	assert.Equal(t, `nohup bash -c 'echo '"'"'hi'"'"'' > /dev/null 2>&1 &`, asyncCommand(`echo 'hi'`))
}

func TestClientConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := clientConfig(transport.Settings{})
	assert.ErrorContains(t, err, "needs a host")

	_, err = clientConfig(transport.Settings{Host: "h", IdentityFile: filepath.Join(dir, "missing")})
	assert.ErrorContains(t, err, "failed to read identity file")

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = clientConfig(transport.Settings{Host: "h", IdentityFile: garbage})
	assert.ErrorContains(t, err, "failed to parse identity file")
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	identity := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(identity, pem.EncodeToMemory(block), 0o600))
	known := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(known, nil, 0o600))

	cfg, err := clientConfig(transport.Settings{Host: "h", User: "alice", IdentityFile: identity, KnownHosts: known})
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.NotNil(t, cfg.HostKeyCallback)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, transport.Settings{Host: "127.0.0.1", Port: 1, IdentityFile: filepath.Join(t.TempDir(), "none")})
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "config"), expandHome("~/.ssh/config"))
	assert.Equal(t, "/etc/x", expandHome("/etc/x"))
	assert.Equal(t, "", expandHome(""))
}

func TestPort(t *testing.T) {
	assert.Equal(t, 22, port(transport.Settings{}))
	assert.Equal(t, 2222, port(transport.Settings{Port: 2222}))
}
