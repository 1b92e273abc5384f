//go:build !unix

package localtransport

import "os/exec"

func detach(cmd *exec.Cmd) {}
