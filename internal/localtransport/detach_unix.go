//go:build unix

package localtransport

import (
	"os/exec"
	"syscall"
)

// detach moves cmd into a new session so it outlives the calling process and
// its terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
