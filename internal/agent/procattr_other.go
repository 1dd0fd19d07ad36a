//go:build !unix

package agent

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on platforms without process groups.
func setProcAttr(*exec.Cmd) {}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func terminateGroup(p *os.Process) error {
	return p.Kill()
}
